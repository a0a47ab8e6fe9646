package models

import (
	"golang.org/x/oauth2"
)

// ApplyToken stores an access/refresh token pair on the promoter
func (p *Promoter) ApplyToken(token *oauth2.Token) {
	access := token.AccessToken
	p.AccessToken = &access
	if token.RefreshToken != "" {
		refresh := token.RefreshToken
		p.RefreshToken = &refresh
	}
}

// Token converts the stored pair to an oauth2.Token. Returns nil before the
// first successful login.
func (p *Promoter) Token() *oauth2.Token {
	if !p.HasAccessToken() {
		return nil
	}
	t := &oauth2.Token{
		AccessToken: *p.AccessToken,
		TokenType:   "Bearer",
	}
	if p.RefreshToken != nil {
		t.RefreshToken = *p.RefreshToken
	}
	return t
}
