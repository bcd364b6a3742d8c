// Package providers imports all DNS provider packages to trigger their init() registration.
package providers

import (
	_ "github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns/adguard"
	_ "github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns/cloudflare"
	_ "github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns/opnsense"
	_ "github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns/pihole"
	_ "github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns/rfc2136"
	_ "github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns/technitium"
)
