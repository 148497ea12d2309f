package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/conversation"
	"github.com/latticanet/lattica/coordinator"
	"github.com/latticanet/lattica/discovery"
	"github.com/latticanet/lattica/rag"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	hostColor   = color.New(color.FgGreen)
	dimColor    = color.New(color.Faint)
	warnColor   = color.New(color.FgYellow)
	userColor   = color.New(color.FgBlue, color.Bold)
)

func newDiscoverCmd() *cobra.Command {
	var model string
	var maxPrice uint64
	var refresh bool

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover inference hosts across all sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.close()

			var opts *discovery.DiscoverOptions
			if refresh {
				opts = &discovery.DiscoverOptions{ForceRefresh: true}
			}
			hosts, err := a.disc.DiscoverAll(cmd.Context(), &discovery.Filter{
				Model:    model,
				MaxPrice: maxPrice,
			}, opts)
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				warnColor.Println("no hosts found")
				return nil
			}

			headerColor.Printf("%-20s %-28s %-12s %-10s %s\n", "HOST", "MODELS", "PRICE", "LATENCY", "SOURCE")
			for _, h := range hosts {
				latency := "-"
				if h.LatencyMs >= 0 {
					latency = fmt.Sprintf("%dms", h.LatencyMs)
				}
				hostColor.Printf("%-20s ", truncate(h.ID, 20))
				fmt.Printf("%-28s %-12d %-10s ", truncate(strings.Join(h.Models, ","), 28), h.PricePerTokenStable, latency)
				dimColor.Println(h.Source)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "only hosts serving this model")
	cmd.Flags().Uint64Var(&maxPrice, "max-price", 0, "price ceiling per token (stable units)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the discovery cache")
	return cmd
}

func newChatCmd() *cobra.Command {
	var cfg lattica.SessionConfig
	var resume string
	var useRAG bool
	var ingest []string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an interactive paid inference session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			var handle *coordinator.Handle
			if resume != "" {
				handle, err = a.coord.ResumeSession(ctx, resume)
			} else {
				cfg.ChainID = a.chainID
				handle, err = a.coord.StartSession(ctx, cfg)
			}
			if err != nil {
				return err
			}
			dimColor.Printf("session %s\n", handle.SessionID)

			for _, path := range ingest {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				chunks, err := a.coord.Ingest(ctx, handle, rag.Document{Name: path, Data: data}, func(p rag.Progress) {
					dimColor.Printf("\r%s %3.0f%%", p.Stage, p.Percent)
				})
				if err != nil {
					return err
				}
				dimColor.Printf("\ringested %s (%d chunks)\n", path, len(chunks))
			}

			scanner := bufio.NewScanner(os.Stdin)
			for {
				userColor.Print("you> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					break
				}
				out, err := a.coord.SendPrompt(ctx, handle, line, coordinator.PromptOptions{UseRAG: useRAG})
				if err != nil {
					if lattica.Transient(err) {
						warnColor.Printf("transient failure, try again: %v\n", err)
						continue
					}
					return err
				}
				fmt.Println(out.Response)
				dimColor.Printf("[%d tokens]\n", out.TokensUsed)
			}

			final, err := a.coord.EndSession(ctx, handle)
			if err != nil {
				return err
			}
			if final.PaddedTokens > 0 {
				warnColor.Printf("final claim padded by %d tokens to meet the checkpoint minimum\n", final.PaddedTokens)
			}
			dimColor.Printf("settled: %d tokens, host %d, treasury %d\n",
				final.CumulativeTokens, final.Settlement.HostAmount, final.Settlement.TreasuryAmount)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Model, "model", "", "model to run")
	cmd.Flags().StringVar(&cfg.HostEndpoint, "host", "", "explicit host websocket endpoint (skips discovery)")
	cmd.Flags().StringVar(&cfg.HostID, "host-id", "", "host address for explicit endpoints")
	cmd.Flags().Uint64Var(&cfg.DepositAmount, "deposit", 0, "escrow deposit")
	cmd.Flags().Uint64Var(&cfg.PricePerToken, "price", 0, "agreed price per token")
	cmd.Flags().Uint64Var(&cfg.ProofInterval, "proof-interval", 1000, "tokens between checkpoints")
	cmd.Flags().Uint64Var(&cfg.Duration, "duration", 3600, "session duration in seconds")
	cmd.Flags().StringVar(&cfg.PaymentToken, "payment-token", "", "ERC-20 payment token (empty for native)")
	cmd.Flags().StringVar(&resume, "resume", "", "resume an existing session by ID")
	cmd.Flags().BoolVar(&useRAG, "rag", false, "augment prompts with retrieved document context")
	cmd.Flags().StringSliceVar(&ingest, "ingest", nil, "documents to ingest before chatting")
	return cmd
}

func newRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover <session-id>",
		Short: "Rebuild and verify a session from its on-chain checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.coord.RecoverFromCheckpoints(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			headerColor.Printf("session %s: %d verified tokens, %d checkpoints, %d messages\n",
				args[0], rec.TokenCount, len(rec.Checkpoints), len(rec.Messages))
			for _, cp := range rec.Checkpoints {
				fmt.Printf("  %8d tokens  +%-6d  %s  ", cp.CumulativeTokens, cp.DeltaTokens, cp.ProofCID)
				if cp.VerifiedOnChain {
					hostColor.Println("verified")
				} else {
					warnColor.Println("unverified")
				}
			}
			return nil
		},
	}
	return cmd
}

func newExportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session's conversation log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			store := conversation.New(a.store, a.logger)
			out, err := store.Export(cmd.Context(), args[0], conversation.ExportFormat(format))
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", string(conversation.FormatMarkdown), "json or markdown")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
