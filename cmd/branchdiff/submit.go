package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/branchdiff/internal/pipeline"
	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the submit command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitRejected    = 2
	ExitUnavailable = 3
)

var (
	submitGatewayURL string
	submitAPIKey     string
	submitBaseline   string
	submitOutDir     string
	submitStream     bool
	submitTimeout    int
)

var submitCmd = &cobra.Command{
	Use:   "submit <owner/name | repository-url> <candidate-ref>",
	Short: "Submit a diff to a running branchdiff server",
	Long: `Send a diff request to a branchdiff server and write the returned
screenshots to disk.

Examples:
  branchdiff submit acme/storefront feature/new-header
  branchdiff submit acme/storefront feature/new-header --stream --out ./shots

Exit codes:
  0  diff completed
  1  diff failed (build, readiness, capture or timeout)
  2  request rejected (invalid, unauthorized, rate limited)
  3  server unavailable or busy`,
	Args: cobra.ExactArgs(2),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitGatewayURL, "gateway-url", "http://localhost:8080", "server URL (or BRANCHDIFF_GATEWAY_URL env)")
	submitCmd.Flags().StringVar(&submitAPIKey, "api-key", "", "API key (or BRANCHDIFF_API_KEY env)")
	submitCmd.Flags().StringVar(&submitBaseline, "baseline", "", "baseline ref (default: the repository's default branch)")
	submitCmd.Flags().StringVarP(&submitOutDir, "out", "o", ".", "directory for the PNG files")
	submitCmd.Flags().BoolVar(&submitStream, "stream", false, "stream job state changes via SSE")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 300, "timeout in seconds")
}

func runSubmit(_ *cobra.Command, args []string) error {
	apiKey := goutils.Env("BRANCHDIFF_API_KEY", submitAPIKey)
	gatewayURL := strings.TrimRight(goutils.Env("BRANCHDIFF_GATEWAY_URL", submitGatewayURL), "/")

	req := repositoryRequest(args[0])
	req.CandidateRef = args[1]
	req.BaselineRef = submitBaseline
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(submitTimeout)*time.Second)
	defer cancel()

	var code int
	if submitStream {
		code = submitSSE(ctx, gatewayURL, apiKey, body)
	} else {
		code = submitHTTP(ctx, gatewayURL, apiKey, body)
	}
	if code != ExitSuccess {
		os.Exit(code)
	}
	return nil
}

func newSubmitRequest(ctx context.Context, url, apiKey string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// submitHTTP sends a synchronous diff request and handles the result.
func submitHTTP(ctx context.Context, gatewayURL, apiKey string, body []byte) int {
	req, err := newSubmitRequest(ctx, gatewayURL+"/v1/diffs", apiKey, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", gatewayURL, err)
		return ExitUnavailable
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if code, ok := statusExitCode(resp.StatusCode, respBody); !ok {
		return code
	}

	var res pipeline.DiffResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		fmt.Fprintf(os.Stderr, "Error: decoding result: %v\n", err)
		return ExitFailure
	}
	return finishResult(&res)
}

// submitSSE sends a streaming diff request and prints state changes as they arrive.
func submitSSE(ctx context.Context, gatewayURL, apiKey string, body []byte) int {
	req, err := newSubmitRequest(ctx, gatewayURL+"/v1/diffs/stream", apiKey, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", gatewayURL, err)
		return ExitUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		code, _ := statusExitCode(resp.StatusCode, respBody)
		return code
	}

	// Parse SSE stream.
	scanner := bufio.NewScanner(resp.Body)
	// Result events carry three base64 PNGs on one line.
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	eventName := ""

	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			eventName = strings.TrimSpace(name)
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		switch eventName {
		case "state":
			var ev struct {
				Event *pipeline.Event `json:"event"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Event == nil {
				continue
			}
			msg := fmt.Sprintf("[%s] %s -> %s", ev.Event.Role, ev.Event.PreviousState, ev.Event.State)
			if ev.Event.Error != "" {
				msg += ": " + ev.Event.Error
			}
			fmt.Fprintln(os.Stderr, msg)
		case "error":
			var e struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			_ = json.Unmarshal([]byte(data), &e)
			fmt.Fprintf(os.Stderr, "Error: %s (%s)\n", e.Message, e.Code)
			switch e.Code {
			case "bad_request", "rate_limited":
				return ExitRejected
			case "busy":
				return ExitUnavailable
			default:
				return ExitFailure
			}
		case "result":
			var res pipeline.DiffResult
			if err := json.Unmarshal([]byte(data), &res); err != nil {
				fmt.Fprintf(os.Stderr, "Error: decoding result: %v\n", err)
				return ExitFailure
			}
			return finishResult(&res)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: stream interrupted: %v\n", err)
		return ExitFailure
	}
	fmt.Fprintln(os.Stderr, "Error: stream ended without a result")
	return ExitFailure
}

// statusExitCode maps a non-200 response to an exit code. ok is true for 200.
func statusExitCode(status int, body []byte) (int, bool) {
	switch status {
	case http.StatusOK:
		return ExitSuccess, true
	case http.StatusBadRequest:
		fmt.Fprintf(os.Stderr, "Error: invalid request: %s\n", strings.TrimSpace(string(body)))
		return ExitRejected, false
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		return ExitRejected, false
	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		return ExitRejected, false
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: server unavailable (%d)\n", status)
		return ExitUnavailable, false
	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", status, string(body))
		return ExitFailure, false
	}
}

func finishResult(res *pipeline.DiffResult) int {
	printSummary(os.Stdout, res)
	if !res.Success {
		return ExitFailure
	}
	written, err := writeImages(submitOutDir, res)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}
	for _, path := range written {
		fmt.Fprintf(os.Stdout, "  wrote %s\n", path)
	}
	return ExitSuccess
}
