package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dissemhub/mcastup/internal/config"
	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/logging"
	"github.com/dissemhub/mcastup/internal/metrics"
	"github.com/dissemhub/mcastup/internal/product"
	"github.com/dissemhub/mcastup/internal/sender"
	"github.com/dissemhub/mcastup/internal/signals"
	"github.com/dissemhub/mcastup/internal/sysmon"
	"github.com/dissemhub/mcastup/internal/vcircuit"
)

func invalid(format string, args ...any) error {
	return lderr.New(lderr.Invalid, "mcastupd", fmt.Errorf(format, args...))
}

func newRootCmd() *cobra.Command {
	flags := config.SenderFlags{}

	cmd := &cobra.Command{
		Use:           "mcastupd [options] <groupHost>:<groupPort> <fmtpNet>/<prefixLen>",
		Short:         "per-feed upstream multicast sender",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return invalid("expected <groupHost>:<groupPort> <fmtpNet>/<prefixLen>, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.GroupHostPort = args[0]
			flags.FMTPSubnet = args[1]
			return runSender(flags)
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return lderr.New(lderr.Invalid, "mcastupd", err)
	})

	var f *pflag.FlagSet = cmd.Flags()
	f.StringVarP(&flags.FeedExpr, "feed", "f", "EXP", "feed filter expression, e.g. EXP|HDS")
	f.StringVarP(&flags.McastIface, "mcast-iface", "m", "", "multicast egress interface")
	f.IntVarP(&flags.ServerPort, "port", "p", 0, "TCP server port (0 selects an OS-chosen port)")
	f.StringVarP(&flags.StorePath, "store", "q", "store.dat", "product store path")
	f.IntVarP(&flags.RetentionMins, "retention", "r", -1, "retention timeout in minutes (<0 selects the default)")
	f.StringVarP(&flags.ServerIface, "server-iface", "s", "0.0.0.0", "TCP server bind interface")
	f.IntVarP(&flags.TTL, "ttl", "t", 1, "multicast TTL, 0..254")
	f.StringVarP(&flags.LogDest, "log", "l", "", `log destination: "" | "-" | <path>`)
	f.BoolVarP(&flags.Verbose, "verbose", "v", false, "verbose logging")
	f.BoolVarP(&flags.Debug, "debug", "x", false, "debug logging")
	return cmd
}

// levelFor maps -v/-x onto log levels: -v info, -x debug, otherwise
// the ambient default.
func levelFor(flags config.SenderFlags, ambient string) string {
	switch {
	case flags.Debug:
		return "debug"
	case flags.Verbose:
		return "info"
	default:
		return ambient
	}
}

func runSender(flags config.SenderFlags) error {
	ambient, err := config.LoadAmbient()
	if err != nil {
		return invalid("%v", err)
	}

	log, logCloser, err := logging.New(logging.Config{
		Dest:    flags.LogDest,
		Format:  ambient.LogFormat,
		Level:   levelFor(flags, ambient.LogLevel),
		Service: "mcastupd",
	})
	if err != nil {
		return invalid("%v", err)
	}
	defer logCloser.Close()

	opts, err := senderOptions(flags, ambient)
	if err != nil {
		return err
	}

	signals.IgnorePipe()
	ctx, cancel := signals.NotifyTermination(context.Background(), log)
	defer cancel()
	signals.RotateOnUSR2(ctx, log)
	wake := signals.WakeChannel(ctx)

	reg := metrics.NewRegistry()
	go reg.Serve(ctx, ambient.MetricsAddr, log)
	go sysmon.New(ambient.SysmonInterval, log, reg).Run(ctx)

	child, err := sender.New(opts, log, reg)
	if err != nil {
		log.Error().Err(err).Msg("sender initialisation failed")
		return err
	}

	// Both ports are bound; the parent may now read the handshake.
	if err := child.WriteHandshake(os.Stdout); err != nil {
		return lderr.New(lderr.SystemError, "mcastupd", err)
	}

	log.Info().
		Str("feed", opts.Feed.String()).
		Str("group", flags.GroupHostPort).
		Int("server_port", child.ServerPort()).
		Int("command_port", child.CommandPort()).
		Msg("sender running")

	if err := child.Run(ctx, wake); err != nil {
		log.Error().Err(err).Msg("sender terminated with error")
		return err
	}
	log.Info().Msg("sender shut down cleanly")
	return nil
}

func senderOptions(flags config.SenderFlags, ambient config.Ambient) (sender.Options, error) {
	feed, err := product.ParseFeedExpr(flags.FeedExpr)
	if err != nil {
		return sender.Options{}, invalid("%v", err)
	}

	groupHost, groupPortStr, err := net.SplitHostPort(flags.GroupHostPort)
	if err != nil {
		return sender.Options{}, invalid("bad group address %q: %v", flags.GroupHostPort, err)
	}
	groupPort, err := strconv.Atoi(groupPortStr)
	if err != nil || groupPort < 1 || groupPort > 65535 {
		return sender.Options{}, invalid("bad group port %q", groupPortStr)
	}
	if _, _, err := net.ParseCIDR(flags.FMTPSubnet); err != nil {
		return sender.Options{}, invalid("bad FMTP subnet %q: %v", flags.FMTPSubnet, err)
	}
	if flags.TTL < 0 || flags.TTL > 254 {
		return sender.Options{}, invalid("TTL %d outside 0..254", flags.TTL)
	}

	localEP, err := parseVCEndpoint(ambient.VCLocalEP)
	if err != nil {
		return sender.Options{}, invalid("%v", err)
	}

	return sender.Options{
		Feed:          feed,
		GroupHost:     groupHost,
		GroupPort:     groupPort,
		McastIface:    flags.McastIface,
		TTL:           flags.TTL,
		ServerIface:   flags.ServerIface,
		ServerPort:    flags.ServerPort,
		FMTPSubnet:    flags.FMTPSubnet,
		StorePath:     flags.StorePath,
		Retention:     flags.Retention(ambient.DefaultRetention),
		Workgroup:     ambient.VCWorkgroup,
		Description:   ambient.VCDescription,
		LocalEndpoint: localEP,
		ProvisionCmd:  ambient.ProvisionCmd,
		RemoveCmd:     ambient.RemoveCmd,
	}, nil
}

func parseVCEndpoint(s string) (vcircuit.Endpoint, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return vcircuit.Endpoint{}, fmt.Errorf("malformed virtual-circuit endpoint %q, want switch:port:vlan", s)
	}
	return vcircuit.Endpoint{Switch: parts[0], Port: parts[1], VLAN: parts[2]}, nil
}
