// Package auth decides who may touch a thread.
//
// # Scopes
//
// Every operation carries a Scope naming the caller:
//
//   - DefaultScope(): no identity supplied. Threads created this way are
//     owned by GlobalOwner, and the scope matches every thread.
//   - AdminScope(): admin bypass. It can read and continue any thread but
//     cannot create one, since a new thread needs a named owner.
//   - ResourceScope(ids...): one or more resource ids. It matches a thread
//     when it shares at least one id with the thread's owner set.
//
// # Ownership
//
// Guard.ResolveOwners applies the creation and continuation rules. The owner
// set is fixed by the first run; later runs reuse it no matter which ids the
// caller supplies, so continuing a thread can never widen its ownership.
//
// # Tokens
//
// HTTP callers present an HS256 JWT signed with auth.jwt_secret:
//
//	{"sub": "alice", "resources": ["alice", "team-1"], "admin": false}
//
// HTTPScopeMiddleware verifies the token and stores the resulting scope in
// the request context, where handlers read it with ScopeFromContext.
package auth
