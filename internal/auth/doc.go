// Package auth verifies the bearer credentials presented when a session is
// established.
//
// Credentials are HS256/384/512 signed JWTs. The identity is taken from the
// token's "username" claim, then its "sub" claim, and only then from the
// identity the client claimed alongside the token:
//
//	v := auth.NewVerifier([]byte(cfg.Auth.JWTSecret))
//	identity, err := v.Verify(token, claimedUsername)
//	if err != nil {
//	    reason := auth.Reason(err) // "MissingCredential", "InvalidCredential", "MissingIdentity"
//	}
//
// Verification has no side effects; the key is fixed when the Verifier is
// built.
package auth
