package config

// Default locations of the files the sync process works with. The binary
// lets flags and DNS_SYNC_* variables override each of them.
const (
	DefaultConfigPath = "configs/dns-sync.yaml"
	DefaultStorePath  = "/var/lib/dns-sync/secrets.yaml"
	DefaultLedgerPath = "/var/lib/dns-sync/ledger.jsonl"
	DefaultStatePath  = "/var/lib/dns-sync/state.yaml"
)
