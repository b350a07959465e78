// README: FCM push notifications for order status changes, sent to the per-order topic.
package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"

	"courier/internal/modules/order"
	"courier/internal/types"
)

// Sender is the slice of *messaging.Client the notifier needs.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCMNotifier struct {
	client Sender
}

func NewFCMNotifier(client Sender) *FCMNotifier {
	return &FCMNotifier{client: client}
}

// Topic is the FCM topic devices subscribe to for one order.
func Topic(orderID types.ID) string {
	return "order-" + string(orderID)
}

func (n *FCMNotifier) NotifyStatus(ctx context.Context, orderID types.ID, status order.Status) error {
	msg := &messaging.Message{
		Topic: Topic(orderID),
		Data: map[string]string{
			"type":     "order_status",
			"order_id": string(orderID),
			"status":   string(status),
		},
		Notification: &messaging.Notification{
			Title: title(status),
			Body:  fmt.Sprintf("Order %s is now %s", orderID, status),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	messageID, err := n.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending FCM to topic %s: %w", msg.Topic, err)
	}
	log.Debug().Str("order_id", string(orderID)).Str("message_id", messageID).Msg("FCM sent")
	return nil
}

func title(s order.Status) string {
	switch s {
	case order.StatusPlaced:
		return "Payment received"
	case order.StatusOutForDelivery:
		return "Your order is on the way"
	case order.StatusDelivered:
		return "Delivered"
	case order.StatusCancelled:
		return "Order cancelled"
	}
	return "Order update"
}

// Nop is used when Firebase is not configured.
type Nop struct{}

func (Nop) NotifyStatus(context.Context, types.ID, order.Status) error { return nil }
