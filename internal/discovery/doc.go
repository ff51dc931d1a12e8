// Package discovery resolves resource selectors against the API server and
// runs one watch session per resolved resource kind.
//
// # Contract
//
// The Resolver:
//  1. Parses selectors of the form name[.version][.group], where name is a
//     plural or singular name, a kind, or a short name
//  2. Matches them against ServerPreferredResources, or against the explicit
//     group-version when a version is given
//  3. Skips sub-resources; rejects resources without list and watch verbs
//  4. Prefers the core group when a name is served by several groups;
//     any other ambiguity is an error
//
// The Engine:
//  1. Starts a session (watching.Source feeding a queueing.Dispatcher) for
//     every resolved kind, independently of each other
//  2. Rescans every RescanInterval: new kinds are started, kinds no longer
//     served have their stream ended (queued events are still processed),
//     and sessions that ended are restarted
//  3. Stops everything and returns the error when a session fails with a
//     *queueing.UnrecoverableError
//
// Cluster-scoped kinds are always watched cluster-wide, even when a namespace
// is configured.
package discovery
