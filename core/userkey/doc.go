// Package userkey implements single-sign-on by one-time login URLs.
//
// A trusted caller asks the Resolver for a login URL for a user identified by
// the configured mapping field. The Resolver finds exactly one local user and
// asks a KeyManager for a key, optionally bound to the addresses the user may
// redeem from. Visiting the URL hands the key to the Activator, which has the
// KeyManager consume it and logs the user in.
//
// # Key lifecycle
//
// Keys are consumed before they are checked: an expired key, or one presented
// from the wrong address, is destroyed by that first presentation. No key ever
// authenticates twice, whatever happened on its first use.
//
//	keys := userkey.NewCoreKeyManager(repo, repo)
//	resolver := userkey.NewResolver(repo, keys, settingsService)
//	url, err := resolver.LoginURL(ctx, map[string]string{"email": "a@b.com"}, baseURL)
//
//	activator := userkey.NewActivator(keys, repo, sessions)
//	target, err := activator.Redeem(ctx, sess, key, remoteAddr, wantsURL)
//	switch userkey.KindOf(err) {
//	case userkey.KindExpiredKey:
//	    // ...
//	}
//
// # SSO gate
//
// Gate redirects login page visits to an external SSO URL unless the visitor
// opted out, and overrides the logout destination for sessions that were
// started by a userkey.
package userkey
