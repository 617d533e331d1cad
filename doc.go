// Package lifecycle manages an account from registration to a paid
// subscription: email verification, password reset, login, and the
// subscription state driven by payment processor webhooks.
//
// Security tokens:
//   - TokenVault issues single-use, purpose scoped secrets. Only an HMAC of
//     the secret is stored, the plaintext is returned once and sent by email.
//     Validation is a single conditional update so a token can be consumed
//     exactly once even under concurrent requests.
//
// Subscription state:
//   - SubscriptionStateMachine is the only writer of an account's state.
//     Webhook events go through the EventLedger in the same transaction as
//     the state write, which makes redelivered events no-ops.
//   - Reconcile reads the processor's view through a SubscriptionFetcher and
//     corrects drift.
//
// Orchestrator:
//   - Orchestrator runs the user facing flows. Every entry point is rate
//     limited before it touches the store, and flows that could reveal
//     whether an email is registered answer the same way for every input.
//   - LifecycleController mounts the flows on a fiber router.
//
// Activity sinks:
//   - ActivitySink receives audit events (registration, verification, token
//     issuance, state changes, rejected webhooks). Sinks run best-effort so
//     a failing sink never blocks a flow.
package lifecycle
