package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/loykin/hostagent/pkg/client"
)

// PortFlags holds the port flag of listener commands.
type PortFlags struct {
	Port int
}

// HTTPGetFlags holds flags of the http-get command.
type HTTPGetFlags struct {
	IP   string
	Port int
	URI  string
}

func newClient(g *GlobalFlags) *client.Client {
	return client.New(client.Config{BaseURL: g.APIUrl, Timeout: g.APITimeout})
}

func createDNSCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dns <domain>",
		Short: "Resolve a domain through the agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(g).DNSQuery(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func createHTTPGetCommand(g *GlobalFlags) *cobra.Command {
	f := &HTTPGetFlags{}
	cmd := &cobra.Command{
		Use:   "http-get",
		Short: "Perform an HTTP GET from the agent host",
		Long: `Ask the agent to GET http://<ip>:<port><uri> and print the body it received.

Examples:
  hostagent http-get --ip=10.0.0.5 --port=80 --uri=/health`,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(g).HTTPGet(cmdContext(cmd), f.IP, f.Port, f.URI)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&f.IP, "ip", "", "target IP address (required)")
	cmd.Flags().IntVar(&f.Port, "port", 0, "target port (required)")
	cmd.Flags().StringVar(&f.URI, "uri", "/", "request URI")
	if err := cmd.MarkFlagRequired("ip"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	f := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded status of a listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(g).ServerStatus(cmdContext(cmd), f.Port)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]*string{"status": st})
		},
	}
	addPortFlag(cmd, f)
	return cmd
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	f := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a listener on the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := newClient(g).StartServer(cmdContext(cmd), f.Port)
			if err != nil {
				return err
			}
			if id == nil {
				return fmt.Errorf("agent did not start a listener on port %d", f.Port)
			}
			return printJSON(cmd.OutOrStdout(), map[string]*string{"unique_id": id})
		},
	}
	addPortFlag(cmd, f)
	return cmd
}

func createStopCommand(g *GlobalFlags) *cobra.Command {
	f := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a listener on the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(g).StopServer(cmdContext(cmd), f.Port)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]*string{"status": st})
		},
	}
	addPortFlag(cmd, f)
	return cmd
}

func createKillCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Terminate the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := newClient(g).KillAgent(cmdContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"status_kill": code})
		},
	}
}

func addPortFlag(cmd *cobra.Command, f *PortFlags) {
	cmd.Flags().IntVar(&f.Port, "port", 0, "listener port (required)")
	if err := cmd.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
