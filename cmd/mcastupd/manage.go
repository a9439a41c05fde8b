package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dissemhub/mcastup/internal/config"
	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/logging"
	"github.com/dissemhub/mcastup/internal/manager"
	"github.com/dissemhub/mcastup/internal/product"
	"github.com/dissemhub/mcastup/internal/signals"
	"github.com/dissemhub/mcastup/internal/vcircuit"
)

// senderEntry is one potential sender in the manage subcommand's JSON
// configuration file.
type senderEntry struct {
	Feed             string `json:"feed"`
	Group            string `json:"group"` // host:port
	McastIface       string `json:"mcastIface,omitempty"`
	TTL              int    `json:"ttl,omitempty"`
	ServerIface      string `json:"serverIface,omitempty"`
	FMTPSubnet       string `json:"fmtpSubnet"`
	Store            string `json:"store"`
	RetentionMinutes int    `json:"retentionMinutes,omitempty"`
	VCSwitch         string `json:"vcSwitch,omitempty"`
	VCPort           string `json:"vcPort,omitempty"`
	VCVLAN           string `json:"vcVlan,omitempty"`
	Log              string `json:"log,omitempty"`
	Verbose          bool   `json:"verbose,omitempty"`
	Debug            bool   `json:"debug,omitempty"`
}

func newManageCmd() *cobra.Command {
	var configPath, listenAddr, binaryPath string

	cmd := &cobra.Command{
		Use:           "manage",
		Short:         "parent daemon: registers potential senders and forks one child per feed",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManage(configPath, listenAddr, binaryPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "senders.json", "potential-sender registry file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "subscription front-door address (default from MCASTUP_MANAGER_ADDR)")
	cmd.Flags().StringVar(&binaryPath, "binary", "", "sender binary to fork (default: this executable)")
	return cmd
}

func runManage(configPath, listenAddr, binaryPath string) error {
	ambient, err := config.LoadAmbient()
	if err != nil {
		return invalid("%v", err)
	}
	if listenAddr == "" {
		listenAddr = ambient.ManagerAddr
	}
	if binaryPath == "" {
		binaryPath, err = os.Executable()
		if err != nil {
			return lderr.New(lderr.SystemError, "manage", err)
		}
	}

	log, logCloser, err := logging.New(logging.Config{
		Format:  ambient.LogFormat,
		Level:   ambient.LogLevel,
		Service: "mcastupd-manage",
	})
	if err != nil {
		return invalid("%v", err)
	}
	defer logCloser.Close()

	mgr := manager.New(log)
	if err := registerPotentials(mgr, configPath, binaryPath, ambient); err != nil {
		return err
	}

	signals.IgnorePipe()
	ctx, cancel := signals.NotifyTermination(context.Background(), log)
	defer cancel()
	signals.RotateOnUSR2(ctx, log)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return lderr.New(lderr.SystemError, "manage", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Info().Str("addr", listenAddr).Msg("manager front door listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				mgr.Clear()
				log.Info().Msg("manager shut down")
				return nil
			}
			return lderr.New(lderr.SystemError, "manage", err)
		}
		go serveManageConn(conn, mgr, log)
	}
}

func registerPotentials(mgr *manager.Manager, configPath, binaryPath string, ambient config.Ambient) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return lderr.New(lderr.SystemError, "manage", err)
	}
	var entries []senderEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return invalid("parse %s: %v", configPath, err)
	}

	for _, e := range entries {
		feed, err := product.ParseFeedExpr(e.Feed)
		if err != nil {
			return invalid("%s: %v", configPath, err)
		}
		host, portStr, err := net.SplitHostPort(e.Group)
		if err != nil {
			return invalid("%s: bad group %q: %v", configPath, e.Group, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return invalid("%s: bad group port %q", configPath, portStr)
		}
		p := manager.PotentialSender{
			Feed:        feed,
			GroupHost:   host,
			GroupPort:   port,
			McastIface:  e.McastIface,
			TTL:         e.TTL,
			ServerIface: e.ServerIface,
			FMTPSubnet:  e.FMTPSubnet,
			StorePath:   e.Store,
			Retention:   time.Duration(e.RetentionMinutes) * time.Minute,
			BinaryPath:  binaryPath,
			VCLocalEndpoint: vcircuit.Endpoint{
				Switch: e.VCSwitch, Port: e.VCPort, VLAN: e.VCVLAN,
			},
			LogDest: e.Log,
			Verbose: e.Verbose,
			Debug:   e.Debug,
		}
		if e.RetentionMinutes == 0 {
			p.Retention = -1 // child selects the library default
		}
		if err := mgr.AddPotential(p); err != nil {
			return err
		}
	}
	return nil
}

// front-door wire: one JSON object per line in each direction.
type manageRequest struct {
	Op      string `json:"op"` // "subscribe" | "unsubscribe"
	Feed    string `json:"feed"`
	Address string `json:"address,omitempty"`
}

type manageReply struct {
	Status     string `json:"status"`
	Feed       string `json:"feed,omitempty"`
	GroupAddr  string `json:"group_addr,omitempty"`
	ServerAddr string `json:"server_addr,omitempty"`
	Error      string `json:"error,omitempty"`
}

func serveManageConn(conn net.Conn, mgr *manager.Manager, log zerolog.Logger) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for sc.Scan() {
		var req manageRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			enc.Encode(manageReply{Status: lderr.Invalid.String(), Error: err.Error()})
			return
		}
		enc.Encode(handleManageRequest(req, mgr, log))
	}
}

func handleManageRequest(req manageRequest, mgr *manager.Manager, log zerolog.Logger) manageReply {
	feed, err := product.ParseFeedExpr(req.Feed)
	if err != nil {
		return manageReply{Status: lderr.Invalid.String(), Error: err.Error()}
	}
	switch req.Op {
	case "subscribe":
		info, err := mgr.Subscribe(feed)
		if err != nil {
			log.Warn().Err(err).Str("feed", req.Feed).Msg("manage: subscribe failed")
			return manageReply{Status: lderr.KindOf(err).String(), Error: err.Error()}
		}
		return manageReply{
			Status:     "Ok",
			Feed:       info.Feed.String(),
			GroupAddr:  info.GroupAddr,
			ServerAddr: info.ServerAddr,
		}
	case "unsubscribe":
		mgr.Unsubscribe(feed, net.ParseIP(req.Address))
		return manageReply{Status: "Ok"}
	default:
		return manageReply{Status: lderr.Invalid.String(), Error: "unknown op " + req.Op}
	}
}
