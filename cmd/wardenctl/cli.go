package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	api "github.com/wardenrun/warden/api/v1"
	"github.com/wardenrun/warden/internal/tlsconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// TODO: Inject version at build time.
const version = "0.0.1"

type config struct {
	serverHostname string
	serverPort     string
	caCertPath     string
	certPath       string
	keyPath        string
}

type cli struct {
	client api.JobServiceClient
	conn   *grpc.ClientConn
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &config{}

	command := &cobra.Command{
		Use:          "wardenctl",
		Short:        "CLI for interacting with the warden daemon",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			tlsConfig, err := tlsconfig.Setup(&tlsconfig.Config{
				CertPath:   cfg.certPath,
				KeyPath:    cfg.keyPath,
				CACertPath: cfg.caCertPath,
				ServerName: cfg.serverHostname,
			})
			if err != nil {
				return err
			}

			c.conn, err = grpc.NewClient(
				net.JoinHostPort(
					cfg.serverHostname,
					cfg.serverPort,
				),
				grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
			)
			if err != nil {
				return err
			}

			c.client = api.NewJobServiceClient(c.conn)

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.conn == nil {
				return nil
			}

			// Connection needs to remain open for duration of any child commands.
			return c.conn.Close()
		},
	}

	command.AddCommand(
		c.startCmd(),
		c.stopCmd(),
		c.statusCmd(),
		c.logsCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&cfg.serverHostname,
		"server-hostname",
		"localhost",
		"Server hostname",
	)

	command.PersistentFlags().StringVar(
		&cfg.serverPort,
		"server-port",
		"8443",
		"Server port",
	)

	command.PersistentFlags().StringVar(
		&cfg.certPath,
		"cert",
		"certs/client.crt",
		"Path to client TLS certificate",
	)

	command.PersistentFlags().StringVar(
		&cfg.keyPath,
		"key",
		"certs/client.key",
		"Path to client TLS private key",
	)

	command.PersistentFlags().StringVar(
		&cfg.caCertPath,
		"ca-cert",
		"certs/ca.crt",
		"Path to CA certificate for mTLS",
	)

	return command
}

func (c *cli) startCmd() *cobra.Command {
	var (
		cpuMaxPercent  int64
		memoryMaxBytes int64
		ioMaxBPS       int64
		network        bool
		env            []string
	)

	command := &cobra.Command{
		Use:     "start [flags] JOB_PROGRAM [JOB_ARGS]",
		Short:   "Start a new job",
		Example: "  wardenctl start --memory-max 104857600 tail -f server.log",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.StartJob(
				cmd.Context(),
				&api.StartJobRequest{
					Program:        args[0],
					Args:           args[1:],
					Env:            env,
					CPUMaxPercent:  cpuMaxPercent,
					MemoryMaxBytes: memoryMaxBytes,
					IOMaxBPS:       ioMaxBPS,
					Network:        network,
				},
			)
			if err != nil {
				return mapError(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", resp.Id)

			return nil
		},
	}

	// Stop parsing args after first position so that flags passed to the
	// program to run are not interpreted by the wardenctl CLI and are passed
	// as-is, e.g. `-f` is an argument to `tail` _not_ to `wardenctl start`:
	//	`wardenctl start tail -f server.log`
	command.Flags().SetInterspersed(false)

	command.Flags().Int64Var(
		&cpuMaxPercent,
		"cpu-max",
		0,
		"CPU limit as a percentage of one core (0 means unlimited)",
	)

	command.Flags().Int64Var(
		&memoryMaxBytes,
		"memory-max",
		0,
		"Memory limit in bytes (0 means unlimited)",
	)

	command.Flags().Int64Var(
		&ioMaxBPS,
		"io-max",
		0,
		"IO limit in bytes per second (0 means unlimited)",
	)

	command.Flags().BoolVar(
		&network,
		"network",
		false,
		"Attach the job to the daemon's bridge network",
	)

	command.Flags().StringArrayVar(
		&env,
		"env",
		nil,
		"Environment variable for the job as KEY=VALUE (repeatable)",
	)

	return command
}

func (c *cli) stopCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "stop [flags] JOB_ID",
		Short:   "Stop a running job",
		Example: "  wardenctl stop 42",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}

			if _, err := c.client.StopJob(
				cmd.Context(),
				&api.StopJobRequest{Id: id},
			); err != nil {
				return mapError(err)
			}

			return nil
		},
	}

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "status [flags] JOB_ID",
		Short:   "Query status of job",
		Example: "  wardenctl status 42",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}

			resp, err := c.client.QueryJob(
				cmd.Context(),
				&api.QueryJobRequest{Id: id},
			)
			if err != nil {
				return mapError(err)
			}

			// TODO: Only output headers if TTY. Or could add a flag like
			// --plain or --skip-headers to hide headers.
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "STATE\tEXIT CODE\tSIGNAL\t\n")
			fmt.Fprintf(
				w,
				"%s\t%d\t%s\t\n",
				mapState(resp.State),
				resp.ExitCode,
				resp.Signal,
			)

			w.Flush()

			return nil
		},
	}

	return command
}

func (c *cli) logsCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "logs [flags] JOB_ID",
		Short:   "Stream job output from the beginning",
		Example: "  wardenctl logs 42",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}

			stream, err := c.client.StreamJobLogs(
				cmd.Context(),
				&api.StreamJobLogsRequest{Id: id},
			)
			if err != nil {
				return mapError(err)
			}

			for {
				chunk, err := stream.Recv()
				if err != nil {
					if err == io.EOF {
						break
					}

					if status.Code(err) == codes.Canceled {
						break
					}

					return mapError(err)
				}

				if len(chunk.Stdout) > 0 {
					cmd.OutOrStdout().Write(chunk.Stdout)
				}

				if len(chunk.Stderr) > 0 {
					cmd.ErrOrStderr().Write(chunk.Stderr)
				}
			}

			return nil
		},
	}

	return command
}

func parseJobID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id '%s'", arg)
	}

	return id, nil
}

// mapError translates gRPC errors to human-readable messages.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return errors.New("not found")
	case codes.PermissionDenied:
		return errors.New("permission denied")
	case codes.Unauthenticated:
		return errors.New("not authenticated")
	case codes.FailedPrecondition:
		return fmt.Errorf("%s", st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%s", st.Message())
	case codes.Unavailable:
		return errors.New("server unavailable")
	default:
		return fmt.Errorf("%s", st.Message())
	}
}

// mapState translates gRPC JobState enum values to human-readable strings.
func mapState(state api.JobState) string {
	switch state {
	case api.JobState_JOB_STATE_UNSPECIFIED:
		return "Unspecified"
	case api.JobState_JOB_STATE_RUNNING:
		return "Running"
	case api.JobState_JOB_STATE_COMPLETED:
		return "Completed"
	case api.JobState_JOB_STATE_FAILED:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", state)
	}
}
