package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"barterlink/config"
	"barterlink/discovery"
	"barterlink/models"
	"barterlink/network"
	"barterlink/node"
	"barterlink/session"
)

var (
	jsonLogs  bool
	port      int
	portSpan  int
	noMDNS    bool
	listenIP  string
	extraAddr []string

	logger *zap.Logger
	cfg    *config.DeviceConfig
)

var rootCmd = &cobra.Command{
	Use:   "barterlink",
	Short: "Share barter listings between nearby devices without internet",
	Long: `barterlink turns one device into a host that keeps the shared listing
board in memory, and lets other devices on the same hotspot find it, post
listings, and follow what everyone else is offering.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if jsonLogs {
			logger, err = zap.NewProduction()
		} else {
			logger, err = zap.NewDevelopment()
		}
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}

		var cfgPath string
		cfg, cfgPath, err = config.LoadOrCreate()
		if err != nil {
			return fmt.Errorf("startup failed while loading config: %w", err)
		}
		applyFlags(cmd)
		logger.Debug("config loaded", zap.String("path", cfgPath), zap.String("device_id", cfg.DeviceID))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host the listing board for nearby devices",
	RunE:  runHost,
}

var joinCmd = &cobra.Command{
	Use:   "join [host:port]",
	Short: "Join a host, discovering it when no address is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJoin,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Look for a host and print its address",
	RunE:  runProbe,
}

var statusCmd = &cobra.Command{
	Use:   "status [host:port]",
	Short: "Print a host's status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Host port (default from config, 3000)")
	rootCmd.PersistentFlags().IntVar(&portSpan, "port-span", 0, "Consecutive ports to probe (default from config, 5)")
	rootCmd.PersistentFlags().BoolVar(&noMDNS, "no-mdns", false, "Disable mDNS advertise and browse")
	rootCmd.PersistentFlags().StringSliceVar(&extraAddr, "candidate", nil, "Extra host address to probe (repeatable)")
	hostCmd.Flags().StringVar(&listenIP, "listen", "", "Interface address to bind (default all)")

	rootCmd.AddCommand(hostCmd, joinCmd, probeCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("port-span") {
		cfg.PortSpan = portSpan
	}
	if noMDNS {
		disabled := false
		cfg.MDNSEnabled = &disabled
	}
	cfg.ExtraCandidates = append(cfg.ExtraCandidates, extraAddr...)
}

func newNode(sessionOpts session.Options) (*node.Node, error) {
	return node.New(node.Options{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		MDNS:       cfg.MDNS(),
		Host: network.HostOptions{
			ListenAddress: net.JoinHostPort(listenIP, strconv.Itoa(cfg.Port)),
		},
		Session: sessionOpts,
		Discovery: discovery.ProberOptions{
			PrimaryPort:      cfg.Port,
			PortSpan:         cfg.PortSpan,
			ExtraAddresses:   cfg.ExtraCandidates,
			UseSystemGateway: true,
		},
		Logger: logger,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func notFoundHint(err error) error {
	if errors.Is(err, discovery.ErrHostNotFound) {
		return fmt.Errorf("%w (add --candidate <address> or pass host:port)", err)
	}
	return err
}

func runHost(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	n, err := newNode(session.Options{})
	if err != nil {
		return err
	}
	if err := n.StartHosting(); err != nil {
		return err
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Listening On:    %s\n", n.HostAddr())
	fmt.Printf("mDNS:            %t\n", cfg.MDNS())
	fmt.Println("Status:          hosting (press Ctrl+C to stop)")

	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return n.StopHosting()
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	lastCount := -1
	n, err := newNode(session.Options{
		OnListings: func(listings []models.Listing) {
			if len(listings) == lastCount {
				return
			}
			lastCount = len(listings)
			fmt.Printf("Listings:        %d from peers\n", len(listings))
			for _, listing := range listings {
				fmt.Printf("  %-12s %s offers %q for %q\n", listing.ServerID, listing.VendorName, listing.Description, listing.ProductsInReturn)
			}
		},
		OnStateChange: func(state session.State) {
			fmt.Printf("Session:         %s\n", state)
		},
	})
	if err != nil {
		return err
	}

	addr := ""
	if len(args) == 1 {
		addr = args[0]
	}
	joined, err := n.JoinHost(ctx, addr)
	if err != nil {
		return notFoundHint(err)
	}
	fmt.Printf("Host:            %s\n", joined)

	var lost <-chan struct{}
	if sess := n.Session(); sess != nil {
		lost = sess.Done()
	}
	if lost == nil {
		return errors.New("host connection ended during join")
	}

	select {
	case <-ctx.Done():
	case <-lost:
		fmt.Println("Status:          host lost")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.Close(closeCtx)
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	n, err := newNode(session.Options{})
	if err != nil {
		return err
	}
	addr := n.DiscoverHost(ctx)
	if addr == "" {
		return notFoundHint(discovery.ErrHostNotFound)
	}
	fmt.Println(addr)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	addr := ""
	if len(args) == 1 {
		addr = args[0]
	} else {
		n, err := newNode(session.Options{})
		if err != nil {
			return err
		}
		if addr = n.DiscoverHost(ctx); addr == "" {
			return notFoundHint(discovery.ErrHostNotFound)
		}
	}

	client := network.NewClient(network.ClientOptions{Logger: logger.Named("client")})
	status, err := client.Status(ctx, addr)
	if err != nil {
		return fmt.Errorf("query status of %s: %w", addr, err)
	}

	fmt.Printf("Host:            %s\n", addr)
	fmt.Printf("Device ID:       %s\n", status.DeviceID)
	fmt.Printf("Role:            %s\n", status.Role)
	fmt.Printf("Port:            %d\n", status.Port)
	fmt.Printf("Active Users:    %d\n", status.ActiveUsers)
	fmt.Printf("Listings:        %d\n", status.ListingCount)
	fmt.Printf("Uptime:          %s\n", time.Duration(status.UptimeSeconds)*time.Second)
	return nil
}
