// Package main is the fluxstat command-line client for fluxstatd.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/banshee-data/fluxripper/internal/config"
	"github.com/banshee-data/fluxripper/internal/db"
	"github.com/banshee-data/fluxripper/internal/fluxstat"
	"github.com/banshee-data/fluxripper/internal/httputil"
	"github.com/banshee-data/fluxripper/internal/version"
)

const (
	defaultServer = "http://localhost:8080"
	apiPrefix     = "/api/fluxstat"
)

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	server string
	hc     httputil.HTTPClient
	client *httputil.Client
}

func (a *app) api() *httputil.Client {
	if a.client == nil {
		a.client = httputil.NewClient(a.server, a.hc)
	}
	return a.client
}

func (a *app) get(cmd *cobra.Command, path string, out interface{}) error {
	return a.api().Get(cmd.Context(), apiPrefix+path, out)
}

func (a *app) post(cmd *cobra.Command, path string, in, out interface{}) error {
	return a.api().Post(cmd.Context(), apiPrefix+path, in, out)
}

// newRootCmd builds the command tree. hc replaces the HTTP transport in
// tests; nil uses a real client.
func newRootCmd(hc httputil.HTTPClient) *cobra.Command {
	a := &app{hc: hc}
	root := &cobra.Command{
		Use:           "fluxstat",
		Short:         "Statistical flux recovery client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	server := os.Getenv("FLUXSTAT_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&a.server, "server", server, "fluxstatd base URL (env FLUXSTAT_SERVER)")

	root.AddCommand(
		newConfigCmd(a),
		newCaptureCmd(a),
		newHistogramCmd(a),
		newAnalyzeCmd(a),
		newRecoverCmd(a),
		newMapCmd(a),
		newStatusCmd(a),
		newClearCmd(a),
		newRunsCmd(a),
		newVersionCmd(a),
	)
	return root
}

func newConfigCmd(a *app) *cobra.Command {
	var file string
	var passes, threshold, maxBits, tolerance int
	var encoding string
	var rate int64
	var crc, weak bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the recovery configuration",
		Long: "Without flags, prints the current configuration. Flags or --file " +
			"change only the fields they name.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rf := &config.RecoveryFile{}
			if file != "" {
				loaded, err := config.LoadRecoveryFile(file)
				if err != nil {
					return err
				}
				rf = loaded
			}
			flags := cmd.Flags()
			update := file != ""
			for _, name := range []string{"passes", "threshold", "max-correction-bits", "encoding",
				"data-rate", "crc-correction", "preserve-weak", "tolerance"} {
				update = update || flags.Changed(name)
			}
			if flags.Changed("passes") {
				rf.PassCount = &passes
			}
			if flags.Changed("threshold") {
				rf.ConfidenceThreshold = &threshold
			}
			if flags.Changed("max-correction-bits") {
				rf.MaxCorrectionBits = &maxBits
			}
			if flags.Changed("encoding") {
				rf.Encoding = &encoding
			}
			if flags.Changed("data-rate") {
				rf.DataRate = &rate
			}
			if flags.Changed("crc-correction") {
				rf.UseCRCCorrection = &crc
			}
			if flags.Changed("preserve-weak") {
				rf.PreserveWeakBits = &weak
			}
			if flags.Changed("tolerance") {
				rf.TolerancePercent = &tolerance
			}

			var cfg fluxstat.RecoveryConfig
			var err error
			if update {
				err = a.post(cmd, "/config", rf, &cfg)
			} else {
				err = a.get(cmd, "/config", &cfg)
			}
			if err != nil {
				return err
			}
			printConfig(cmd, cfg)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&file, "file", "", "load fields from a .json, .yaml or .toml file")
	f.IntVar(&passes, "passes", fluxstat.DefaultPasses, "revolutions to capture (2-64)")
	f.IntVar(&threshold, "threshold", fluxstat.ConfWeak, "weak/ambiguous boundary in percent")
	f.IntVar(&maxBits, "max-correction-bits", fluxstat.DefaultMaxCorrectionBits, "bits the CRC corrector may flip (0-16)")
	f.StringVar(&encoding, "encoding", "mfm", "fm, mfm, m2fm, gcr-apple or gcr-c64")
	f.Int64Var(&rate, "data-rate", fluxstat.DefaultDataRate, "data rate in bps, 0 estimates it")
	f.BoolVar(&crc, "crc-correction", true, "enable CRC-guided correction")
	f.BoolVar(&weak, "preserve-weak", true, "report weak bit positions")
	f.IntVar(&tolerance, "tolerance", fluxstat.DefaultTolerancePercent, "correlation window in percent of a cell")
	return cmd
}

func printConfig(cmd *cobra.Command, cfg fluxstat.RecoveryConfig) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, headerStyle.Render("Recovery configuration"))
	fmt.Fprintf(w, "  passes               %d\n", cfg.PassCount)
	fmt.Fprintf(w, "  threshold            %d%%\n", cfg.ConfidenceThreshold)
	fmt.Fprintf(w, "  max correction bits  %d\n", cfg.MaxCorrectionBits)
	fmt.Fprintf(w, "  encoding             %s\n", cfg.Encoding)
	if cfg.DataRate == 0 {
		fmt.Fprintf(w, "  data rate            auto\n")
	} else {
		fmt.Fprintf(w, "  data rate            %d bps\n", cfg.DataRate)
	}
	fmt.Fprintf(w, "  crc correction       %t\n", cfg.UseCRCCorrection)
	fmt.Fprintf(w, "  preserve weak bits   %t\n", cfg.PreserveWeakBits)
	fmt.Fprintf(w, "  tolerance            %d%%\n", cfg.TolerancePercent)
}

func newCaptureCmd(a *app) *cobra.Command {
	var drive, track, head int
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture the configured number of revolutions of a track",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]int{"drive": drive, "track": track, "head": head}
			var st fluxstat.SessionStatus
			if err := a.post(cmd, "/capture/start", req, &st); err != nil {
				return err
			}
			if !wait {
				renderStatus(cmd.OutOrStdout(), st)
				return nil
			}
			path := "/capture/wait?timeout_ms=" + strconv.FormatInt(timeout.Milliseconds(), 10)
			if err := a.post(cmd, path, nil, &st); err != nil {
				return err
			}
			var c captureView
			if err := a.get(cmd, "/capture/result", &c); err != nil {
				return err
			}
			renderCapture(cmd.OutOrStdout(), c)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&drive, "drive", 0, "drive unit")
	f.IntVar(&track, "track", 0, "track (cylinder)")
	f.IntVar(&head, "head", 0, "head number")
	f.BoolVar(&wait, "wait", true, "wait for the capture to finish and print the pass table")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait")
	return cmd
}

func newHistogramCmd(a *app) *cobra.Command {
	var snapshot, clearHist bool
	var png string
	var bin int

	cmd := &cobra.Command{
		Use:   "histogram",
		Short: "Show flux interval histogram statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if cmd.Flags().Changed("bin") {
				var out struct {
					Count       uint32 `json:"count"`
					CentreTicks uint32 `json:"centre_ticks"`
				}
				if err := a.get(cmd, "/histogram/bin/"+strconv.Itoa(bin), &out); err != nil {
					return err
				}
				fmt.Fprintf(w, "bin %d (%d ticks): %d\n", bin, out.CentreTicks, out.Count)
				return nil
			}
			if png != "" {
				f, err := os.Create(png)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := a.get(cmd, "/histogram/plot.png", f); err != nil {
					return err
				}
				fmt.Fprintf(w, "wrote %s\n", png)
				return nil
			}

			var h fluxstat.IntervalHistogram
			var err error
			switch {
			case clearHist:
				err = a.post(cmd, "/histogram/clear", nil, &h)
			case snapshot:
				err = a.post(cmd, "/histogram/snapshot", nil, &h)
			default:
				err = a.get(cmd, "/histogram", &h)
			}
			if err != nil {
				return err
			}
			var st fluxstat.SessionStatus
			var c captureView
			clockHz := uint32(0)
			if err := a.get(cmd, "/status", &st); err == nil && st.HasData {
				if err := a.get(cmd, "/capture/result", &c); err == nil {
					clockHz = c.ClockHz
				}
			}
			var rate struct {
				DataRate uint32 `json:"data_rate"`
			}
			if err := a.get(cmd, "/histogram/rate", &rate); err != nil && !httputil.IsStatus(err, http.StatusNotFound) {
				return err
			}
			renderHistogram(w, h, clockHz, rate.DataRate)
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&snapshot, "snapshot", false, "latch and show the snapshot registers")
	f.BoolVar(&clearHist, "clear", false, "clear the histogram")
	f.StringVar(&png, "png", "", "write a PNG plot to this file")
	f.IntVar(&bin, "bin", 0, "show one bin")
	return cmd
}

func newAnalyzeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Recover every sector of the captured track",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				RunID  string                `json:"run_id"`
				Result *fluxstat.TrackResult `json:"result"`
			}
			if err := a.post(cmd, "/analyze", nil, &out); err != nil {
				return err
			}
			renderTrack(cmd.OutOrStdout(), out.Result)
			if out.RunID != "" {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("run "+out.RunID))
			}
			return nil
		},
	}
}

func newRecoverCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "recover SECTOR",
		Short: "Recover one sector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("sector must be an integer: %w", err)
			}
			var s fluxstat.SectorResult
			if err := a.get(cmd, "/recover/"+strconv.Itoa(n), &s); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "sector %d (C%d H%d, %d bytes): %s  crc %t\n",
				s.Sector, s.Cylinder, s.Head, s.Size, styleForStatus(s.Status).Render(string(s.Status)), s.CRCOK)
			fmt.Fprintf(w, "  min %3d%%  avg %s\n", s.ConfidenceMin, confidenceBar(s.ConfidenceAvg))
			if s.WeakBitCount > 0 {
				fmt.Fprintf(w, "  weak bits %d at %v\n", s.WeakBitCount, s.WeakPositions)
			}
			if s.CorrectedCount > 0 {
				fmt.Fprintf(w, "  corrected %d at %v\n", s.CorrectedCount, s.CorrectedPositions)
			}
			if out != "" {
				if err := os.WriteFile(out, s.Data, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(w, "  wrote %s\n", out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the sector data to this file")
	return cmd
}

func newMapCmd(a *app) *cobra.Command {
	var offset, count int
	var agreement bool
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Show the per-bit confidence map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("offset", strconv.Itoa(offset))
			q.Set("count", strconv.Itoa(count))
			if agreement {
				q.Set("mode", "agreement")
			}
			var out struct {
				Offset int                    `json:"offset"`
				Map    string                 `json:"map"`
				Bits   []fluxstat.BitAnalysis `json:"bits"`
			}
			if err := a.get(cmd, "/bits?"+q.Encode(), &out); err != nil {
				return err
			}
			renderMap(cmd.OutOrStdout(), out.Offset, out.Map)
			minConf, avg := fluxstat.ConfidenceOf(out.Bits)
			fmt.Fprintf(cmd.OutOrStdout(), "min %d%%  avg %s\n", minConf, confidenceBar(avg))
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&offset, "offset", 0, "first bit")
	f.IntVar(&count, "count", 256, "number of bits")
	f.BoolVar(&agreement, "agreement", false, "classify by agreement with the majority value")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the capture session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st fluxstat.SessionStatus
			if err := a.get(cmd, "/status", &st); err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard the capture and analysis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st fluxstat.SessionStatus
			if err := a.post(cmd, "/clear", nil, &st); err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newRunsCmd(a *app) *cobra.Command {
	var track, limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored recovery runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("track", strconv.Itoa(track))
			q.Set("limit", strconv.Itoa(limit))
			var runs []db.Run
			if err := a.get(cmd, "/runs?"+q.Encode(), &runs); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, mutedStyle.Render("RUN                                   WHEN            T/H    SECTORS  CONF"))
			for _, r := range runs {
				fmt.Fprintf(w, "%-36s  %-14s  %2d/%d  %3d/%-3d  %3d%%\n",
					r.ID, humanize.Time(r.CreatedAt), r.Track, r.Head,
					r.SectorsRecovered, r.SectorCount, r.OverallConfidence)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&track, "track", -1, "only runs of this track (-1 for all)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r db.Run
			if err := a.get(cmd, "/runs/"+url.PathEscape(args[0]), &r); err != nil {
				return err
			}
			if r.Result == nil {
				return fmt.Errorf("run %s has no result", r.ID)
			}
			renderTrack(cmd.OutOrStdout(), r.Result)
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render(fmt.Sprintf("captured %s, %d passes, fingerprint %s",
				r.CreatedAt.Format(time.RFC3339), r.PassCount, r.Fingerprint)))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.api().Delete(cmd.Context(), apiPrefix+"/runs/"+url.PathEscape(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and server versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "client %s\n", version.String())
			var srv version.Info
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			if err := a.api().Get(ctx, apiPrefix+"/version", &srv); err != nil {
				fmt.Fprintf(w, "server unavailable: %v\n", err)
				return nil
			}
			fmt.Fprintf(w, "server %s (%s, built %s, %s)\n", srv.Version, srv.GitSHA, srv.BuildTime, srv.GoVersion)
			return nil
		},
	}
}
