package schedule

import "context"

type trackingKey struct{}

// WithTrackingID tags ctx with the id of one scheduling attempt. Log lines of
// the attempt carry it.
func WithTrackingID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, trackingKey{}, id)
}

// TrackingID returns the id set by WithTrackingID, or "".
func TrackingID(ctx context.Context) string {
	id, _ := ctx.Value(trackingKey{}).(string)
	return id
}
