// Package watching turns the list and watch endpoints of one resource kind
// into an endless stream of raw events.
//
// # Contract
//
// The Source:
//  1. Lists all objects (paginated by ListPageSize) and yields each with an
//     empty event type
//  2. Watches from the listing's resourceVersion with bookmarks enabled
//  3. Reconnects when the server closes the watch, at most once per
//     ReconnectBackoff, resuming from the last seen resourceVersion
//  4. Relists when the resourceVersion has expired (410 Gone)
//  5. Ends the stream with the API error on Forbidden, Unauthorized,
//     NotFound or MethodNotSupported
//
// While the freeze toggle is on, the watch is closed and Next blocks; after
// unfreezing the objects are relisted.
//
// # Types
//
//	func NewSource(logger *zap.Logger, client dynamic.Interface, resource schema.GroupVersionResource, namespace string, settings config.WatchingSettings, freeze *primitives.Toggle) *Source
//	func (s *Source) Next(ctx context.Context) (types.RawEvent, error)
//	func (s *Source) Stop()
package watching
