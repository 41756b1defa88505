// Package websub implements the hub side of the W3C WebSub protocol for alert
// topics. Subscription requests are validated synchronously and verified
// asynchronously with a challenge GET against the subscriber callback; only
// verified, unexpired subscriptions receive content. Publish pushes one JSON
// body per topic to every live subscriber, signing it with HMAC-SHA256 when
// the subscriber supplied a secret. Delivery is best effort with a single
// attempt; failures are logged and counted but never retried.
package websub
