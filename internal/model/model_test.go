package model

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{name: "paid to processing", from: OrderStatusPaid, to: OrderStatusProcessing, want: true},
		{name: "processing to ready_for_pickup", from: OrderStatusProcessing, to: OrderStatusReadyForPickup, want: true},
		{name: "processing to shipped", from: OrderStatusProcessing, to: OrderStatusShipped, want: true},
		{name: "ready_for_pickup to delivered", from: OrderStatusReadyForPickup, to: OrderStatusDelivered, want: true},
		{name: "shipped to delivered", from: OrderStatusShipped, to: OrderStatusDelivered, want: true},
		{name: "pending to processing", from: OrderStatusPending, to: OrderStatusProcessing, want: false},
		{name: "paid to shipped skips processing", from: OrderStatusPaid, to: OrderStatusShipped, want: false},
		{name: "delivered is terminal", from: OrderStatusDelivered, to: OrderStatusShipped, want: false},
		{name: "cancelled cannot be fulfilled", from: OrderStatusCancelled, to: OrderStatusProcessing, want: false},
		{name: "no transition into paid", from: OrderStatusPending, to: OrderStatusPaid, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestFulfillmentSources(t *testing.T) {
	if got := FulfillmentSources(OrderStatusPaid); len(got) != 0 {
		t.Fatalf("paid must not be a fulfillment target, sources = %v", got)
	}
	if got := FulfillmentSources(OrderStatusShipped); len(got) != 2 {
		t.Fatalf("shipped sources = %v, want two", got)
	}
}
