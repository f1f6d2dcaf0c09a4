package gateway

import apperrors "github.com/louisbranch/wayfarer/internal/platform/errors"

// Observer is told about gateway activity, typically to export metrics.
// Calls may arrive concurrently.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	JoinFailed(code apperrors.Code)
	SendFailed(code apperrors.Code)
	MessagePersisted()
	Delivered(n int)
	DeliveryDropped()
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()         {}
func (nopObserver) ConnectionClosed()         {}
func (nopObserver) JoinFailed(apperrors.Code) {}
func (nopObserver) SendFailed(apperrors.Code) {}
func (nopObserver) MessagePersisted()         {}
func (nopObserver) Delivered(int)             {}
func (nopObserver) DeliveryDropped()          {}
