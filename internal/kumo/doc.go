// Package kumo provides the Kumo Cloud API client for Kumo Core.
//
// This package manages:
//   - Authenticated HTTP access to the cloud API (login, token refresh)
//   - Site, zone and device discovery
//   - Device state, profile and command endpoints
//   - Global rate limiting of outbound calls
//
// Every outbound call waits for a shared rate limiter slot before it
// touches the network, so the cloud never sees calls closer together
// than the configured interval regardless of caller concurrency.
//
// Authentication failures are recovered transparently: a 401 response
// triggers exactly one token refresh followed by one retry of the
// original request. A second 401 within the same operation is surfaced
// as ErrAuth. This bounds recovery to depth one and prevents refresh
// loops when the account credentials themselves are rejected.
//
// Usage:
//
//	limiter := kumo.NewLimiter(2 * time.Second)
//	client := kumo.NewClient(cfg.Cloud, limiter, tokens, logger)
//	zones, err := client.SiteZones(ctx, siteID)
package kumo
