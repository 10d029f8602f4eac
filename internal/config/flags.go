package config

import (
	"github.com/spf13/pflag"
)

// RegisterFlags binds cmd/pgmsend's command-line overrides onto cfg.
// Call it after LoadFile (or Default) and before FlagSet.Parse, so flags
// not explicitly passed leave the loaded values untouched.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.Uint16Var(&cfg.SourcePort, "source-port", cfg.SourcePort, "PGM source port")
	fs.Uint16Var(&cfg.DestPort, "dest-port", cfg.DestPort, "PGM destination port")
	fs.StringVar(&cfg.MulticastGroup, "group", cfg.MulticastGroup, "destination multicast group address")
	fs.StringVar(&cfg.NetworkInterface, "iface", cfg.NetworkInterface, "outbound network interface name")
	fs.DurationVar(&cfg.AmbientSPMInterval, "ambient-spm-interval", cfg.AmbientSPMInterval, "ambient SPM heartbeat interval")
	fs.Uint32Var(&cfg.TxwSqns, "txw-sqns", cfg.TxwSqns, "transmit window capacity in sequences")
	fs.Uint32Var(&cfg.TxwPreallocate, "txw-preallocate", cfg.TxwPreallocate, "transmit window sequences to preallocate")
	fs.Uint32Var(&cfg.TxwSecs, "txw-secs", cfg.TxwSecs, "widen the transmit window to this many seconds of txw-max-rte when that exceeds txw-sqns (0 disables)")
	fs.Uint64Var(&cfg.TxwMaxRte, "txw-max-rte", cfg.TxwMaxRte, "maximum send rate in bytes/sec")
	fs.IntVar(&cfg.MaxTPDU, "max-tpdu", cfg.MaxTPDU, "maximum transport PDU size in bytes")
	fs.BoolVar(&cfg.UseOndemandParity, "ondemand-parity", cfg.UseOndemandParity, "honor parity NAKs")
	fs.BoolVar(&cfg.UseProactiveParity, "proactive-parity", cfg.UseProactiveParity, "send parity packets proactively")
	fs.Uint8Var(&cfg.RSN, "rs-n", cfg.RSN, "Reed-Solomon total shard count n (0 disables FEC)")
	fs.Uint8Var(&cfg.RSK, "rs-k", cfg.RSK, "Reed-Solomon data shard count k")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on (empty disables)")
}
