package alertdispatch

import "context"

// InAppSender satisfies the in_app channel: per spec §4.5, delivery is
// implicit (the alert row itself is the notification, surfaced by the API
// to any client polling it) so there is no outbound call to make.
type InAppSender struct{}

// NewInAppSender creates an InAppSender.
func NewInAppSender() *InAppSender { return &InAppSender{} }

func (s *InAppSender) Send(ctx context.Context, n Notification) error { return nil }
