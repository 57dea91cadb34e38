// Package api provides the HTTP API of the entitlement service.
//
// Routes, all under /api/v1:
//
//	POST /billing/webhook       signed billing provider events (public, not rate limited)
//	GET  /plans                 subscribable plans (public)
//	GET  /me                    caller, subscription and balance
//	GET  /me/subscription       caller's subscription
//	GET  /me/balance            caller's token balance
//	POST /me/tokens/consume     meter one token, 402 when exhausted
//	POST /billing/checkout      start a hosted checkout
//	POST /billing/portal        open the hosted billing portal
//
// Errors use the httputil.ErrorResponse body. Webhook deliveries answer 200
// once settled, 400 when the signature or payload is bad, 503 without a
// webhook secret and 500 when the ledger failed so the provider redelivers.
//
// Usage:
//
//	srv := api.NewServer(api.Deps{
//		Webhooks: rec,
//		Ledger:   ledger,
//		Sessions: sessions,
//		Plans:    catalog,
//		Auth:     auth.Handler,
//	})
//	http.ListenAndServe(":8080", srv)
package api
