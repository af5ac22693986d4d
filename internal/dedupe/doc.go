// Package dedupe drops inbound chat events the transport delivers twice.
package dedupe
