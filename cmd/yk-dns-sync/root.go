package main

import (
	"flag"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
)

const defaultListenAddr = "127.0.0.1:8080"

// app carries process settings and the logger shared by every command.
type app struct {
	v   *viper.Viper
	log logr.Logger
}

func (a *app) configPath() string { return a.v.GetString("config") }
func (a *app) storePath() string  { return a.v.GetString("store") }
func (a *app) ledgerPath() string { return a.v.GetString("ledger") }
func (a *app) statePath() string  { return a.v.GetString("state") }
func (a *app) listenAddr() string { return a.v.GetString("listen") }

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), log: logr.Discard()}
	opts := zap.Options{
		Development: true,
	}

	root := &cobra.Command{
		Use:          "yk-dns-sync",
		Short:        "Keep local DNS rewrites on spoke servers in line with a hub server",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
			a.log = ctrl.Log
		},
	}

	zapFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	opts.BindFlags(zapFlags)
	pf := root.PersistentFlags()
	pf.AddGoFlagSet(zapFlags)
	settings := settingsFlags()
	pf.AddFlagSet(settings)

	// Precedence is: flags > env > defaults.
	a.v.SetEnvPrefix("DNS_SYNC")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindPFlags(settings)

	root.AddCommand(
		newRunCmd(a),
		newSyncCmd(a),
		newPlanCmd(a),
		newHistoryCmd(a),
		newVaultCmd(a),
		newConfigCmd(a),
	)
	return root
}

// settingsFlags holds the process settings that viper also reads from
// DNS_SYNC_* environment variables.
func settingsFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("settings", pflag.ContinueOnError)
	fs.String("config", config.DefaultConfigPath, "servers configuration file (env DNS_SYNC_CONFIG)")
	fs.String("store", config.DefaultStorePath, "encrypted secret store (env DNS_SYNC_STORE)")
	fs.String("ledger", config.DefaultLedgerPath, "audit ledger file (env DNS_SYNC_LEDGER)")
	fs.String("state", config.DefaultStatePath, "sync state file (env DNS_SYNC_STATE)")
	fs.String("listen", defaultListenAddr, "address for probes, metrics and the API (env DNS_SYNC_LISTEN)")
	return fs
}
