package external

// WebhookVerifier checks a provider signature over a raw webhook payload.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// Stripe event types consumed by the billing webhook.
const (
	EventStripeCheckoutCompleted      = "checkout.session.completed"
	EventStripeCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventStripeSubscriptionCreated    = "customer.subscription.created"
	EventStripeSubscriptionUpdated    = "customer.subscription.updated"
	EventStripeSubscriptionDeleted    = "customer.subscription.deleted"
)
