// Command verifykit provides a CLI for the verifykit clients.
//
// Usage:
//
//	verifykit mailbox new
//	verifykit mailbox domains
//	verifykit mailbox wait <address> -k confirm -k verify --link
//	verifykit proxy check <file>
//	verifykit balance
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cloudzun/verifykit"
)

var (
	// Global flags
	verbose  bool
	apiKey   string
	apiBase  string
	apiProxy string

	version = verifykit.Version
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "verifykit",
		Short:   "verifykit - temporary mailbox, proxy pool and solver API client",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is fine; flags and the environment still apply.
			_ = godotenv.Load()
			if apiKey == "" {
				apiKey = os.Getenv("VERIFYKIT_API_KEY")
			}
			if apiProxy == "" {
				apiProxy = os.Getenv("VERIFYKIT_API_PROXY")
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "K", "", "Solver API key (or set VERIFYKIT_API_KEY env var)")
	rootCmd.PersistentFlags().StringVarP(&apiBase, "api-base", "B", "", "Override the vendor API base URL")
	rootCmd.PersistentFlags().StringVar(&apiProxy, "api-proxy", "", "Proxy for API calls (or set VERIFYKIT_API_PROXY env var)")

	rootCmd.AddCommand(newMailboxCmd())
	rootCmd.AddCommand(newProxyCmd())
	rootCmd.AddCommand(newBalanceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func commonOptions() []verifykit.Option {
	opts := []verifykit.Option{verifykit.WithLogger(newLogger())}
	if apiBase != "" {
		opts = append(opts, verifykit.WithAPIBase(apiBase))
	}
	if apiProxy != "" {
		opts = append(opts, verifykit.WithAPIProxy(apiProxy))
	}
	return opts
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func fail(err error) {
	color.New(color.FgRed).Fprintf(os.Stderr, "[x] Error: %v\n", err)
	os.Exit(1)
}

// mailbox command group
func newMailboxCmd() *cobra.Command {
	mailboxCmd := &cobra.Command{
		Use:   "mailbox",
		Short: "Work with temporary mailboxes",
	}

	mailboxCmd.AddCommand(newMailboxNewCmd())
	mailboxCmd.AddCommand(newMailboxDomainsCmd())
	mailboxCmd.AddCommand(newMailboxWaitCmd())

	return mailboxCmd
}

func newMailboxNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Create a random mailbox address",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			addr, err := verifykit.NewMailboxClient(commonOptions()...).NewAddress(ctx)
			if err != nil {
				fail(err)
			}
			fmt.Println(addr)
		},
	}
}

func newMailboxDomainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "List available mailbox domains",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			domains, err := verifykit.NewMailboxClient(commonOptions()...).Domains(ctx)
			if err != nil {
				fail(err)
			}
			for _, d := range domains {
				fmt.Println(d)
			}
		},
	}
}

func newMailboxWaitCmd() *cobra.Command {
	var (
		keywords   []string
		sender     string
		timeout    int
		interval   int
		linkOnly   bool
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "wait <address>",
		Short: "Wait for a matching message and print it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			address := args[0]
			if verbose {
				fmt.Printf("Waiting for %s (keywords: %s)\n", address, strings.Join(keywords, ", "))
			}

			client := verifykit.NewMailboxClient(commonOptions()...)
			msg, err := client.AwaitMessage(ctx, address, keywords, sender,
				time.Duration(timeout)*time.Second, time.Duration(interval)*time.Second)
			if err != nil {
				if outputJSON {
					printJSON(map[string]interface{}{"success": false, "error": err.Error()})
					os.Exit(1)
				}
				fail(err)
			}

			link, hasLink := verifykit.ExtractLink(msg.Body)
			if outputJSON {
				printJSON(map[string]interface{}{
					"success": true,
					"id":      msg.ID,
					"subject": msg.Subject,
					"sender":  msg.Sender,
					"link":    link,
				})
				return
			}
			if linkOnly {
				if !hasLink {
					fail(fmt.Errorf("message %d contains no link", msg.ID))
				}
				fmt.Println(link)
				return
			}

			color.Green("[+] Message received")
			fmt.Printf("    From: %s\n", msg.Sender)
			fmt.Printf("    Subject: %s\n", msg.Subject)
			if hasLink {
				fmt.Printf("    Link: %s\n", link)
			}
		},
	}

	cmd.Flags().StringArrayVarP(&keywords, "keyword", "k", nil, "Subject keyword (can be used multiple times)")
	cmd.Flags().StringVarP(&sender, "sender", "s", "", "Only accept senders containing this text")
	cmd.Flags().IntVarP(&timeout, "timeout", "T", 300, "Timeout in seconds")
	cmd.Flags().IntVarP(&interval, "interval", "i", 10, "Poll interval in seconds")
	cmd.Flags().BoolVar(&linkOnly, "link", false, "Print only the extracted link")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output result as JSON")

	return cmd
}

// proxy command group
func newProxyCmd() *cobra.Command {
	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Work with proxy lists",
	}

	proxyCmd.AddCommand(newProxyCheckCmd())

	return proxyCmd
}

func newProxyCheckCmd() *cobra.Command {
	var (
		checkURL    string
		timeout     int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Health-check every proxy in a list file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			f, err := os.Open(args[0])
			if err != nil {
				fail(err)
			}
			endpoints, err := verifykit.LoadProxyList(f)
			f.Close()
			if err != nil {
				fail(err)
			}

			if concurrency < 1 {
				concurrency = 1
			}
			if concurrency > 50 {
				color.Yellow("Warning: High concurrency may trip rate limits on the check URL.")
			}

			opts := append(commonOptions(), verifykit.WithTimeout(time.Duration(timeout)*time.Second))
			if checkURL != "" {
				opts = append(opts, verifykit.WithCheckURL(checkURL))
			}
			rotator := verifykit.NewProxyRotator(endpoints, opts...)

			eg, egCtx := errgroup.WithContext(ctx)
			eg.SetLimit(concurrency)
			for _, ep := range endpoints {
				eg.Go(func() error {
					if err := rotator.Check(egCtx, ep); err != nil {
						color.Red("[-] %s: %v", ep.Key(), err)
						return nil
					}
					color.Green("[+] %s", ep.Key())
					return nil
				})
			}
			_ = eg.Wait()

			fmt.Printf("%d/%d proxies working\n", rotator.Working(), rotator.Len())
		},
	}

	cmd.Flags().StringVar(&checkURL, "check-url", "", "URL to fetch through each proxy")
	cmd.Flags().IntVarP(&timeout, "timeout", "T", 10, "Per-proxy timeout in seconds")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 10, "Number of proxies checked at once")

	return cmd
}

// balance command
func newBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Check solver account balance",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if apiKey == "" {
				fail(fmt.Errorf("API key required. Use -K/--api-key or set VERIFYKIT_API_KEY"))
			}
			ctx, cancel := signalContext()
			defer cancel()

			balance, err := verifykit.NewCaptchaClient(apiKey, commonOptions()...).Balance(ctx)
			if err != nil {
				fail(err)
			}
			color.Green("[+] Balance: %.2f", balance)
		},
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
