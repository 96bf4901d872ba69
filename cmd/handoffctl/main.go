// Package main provides handoffctl, a command line client for handoffs.
//
// Local commands read handoff JSON from stdin and write the result to
// stdout, without a running server:
//
//	echo '{"source_agent":"a","target_agent":"b","stage":"brief",...}' | handoffctl create
//	cat handoff.json | handoffctl transition --event submit --actor a
//	cat handoff.json | handoffctl validate --graph graphs/campaign.yaml
//	cat handoff.json | handoffctl allowed
//
// Remote commands talk to handoffd over gRPC:
//
//	echo '{"workflow_id":"wf_..."}' | handoffctl rpc AdvanceWorkflow
//	handoffctl watch --role executive
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
)

const (
	codeReadError  = "read_error"
	codeParseError = "parse_error"
	codeInvalid    = "invalid"
	codeIllegal    = "illegal_transition"
	codeRPCError   = "rpc_error"
	codeConflict   = "concurrent_modification"
	codeNotFound   = "not_found"
	codeInternal   = "internal"
)

// errReported marks an error already written to stdout as JSON.
var errReported = errors.New("error reported")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "handoffctl",
		Short:         "Create, transition and inspect handoffs",
		Version:       observability.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newCreateCmd(),
		newTransitionCmd(),
		newValidateCmd(),
		newAllowedCmd(),
		newAttachCmd(),
		newRPCCmd(),
		newWatchCmd(),
	)
	return root
}

// readInput decodes stdin into v. Empty input leaves v unchanged.
func readInput(cmd *cobra.Command, v any) error {
	data, err := io.ReadAll(bufio.NewReader(cmd.InOrStdin()))
	if err != nil {
		return writeError(cmd, codeReadError, err.Error())
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return writeError(cmd, codeParseError, fmt.Sprintf("Invalid JSON: %s", err.Error()))
	}
	return nil
}

// writeJSON writes v as one line of JSON.
func writeJSON(cmd *cobra.Command, v any) error {
	return json.NewEncoder(cmd.OutOrStdout()).Encode(v)
}

// writeError reports an error on stdout and returns errReported.
func writeError(cmd *cobra.Command, code, message string) error {
	if err := writeJSON(cmd, map[string]any{
		"error":   true,
		"code":    code,
		"message": message,
	}); err != nil {
		return err
	}
	return errReported
}

// writeKernelError reports err with the code of its kind.
func writeKernelError(cmd *cobra.Command, err error) error {
	code := codeInternal
	switch {
	case errors.Is(err, handoff.ErrInvalidHandoff):
		code = codeInvalid
	case errors.Is(err, handoff.ErrIllegalTransition), errors.Is(err, handoff.ErrExceptionClosed):
		code = codeIllegal
	case errors.Is(err, handoff.ErrConcurrentModification):
		code = codeConflict
	case errors.Is(err, handoff.ErrNotFound):
		code = codeNotFound
	}
	return writeError(cmd, code, err.Error())
}

// loadGraph loads the stage graph named by the --graph flag, if any.
func loadGraph(path string) (*stagegraph.Graph, error) {
	if path == "" {
		return nil, nil
	}
	return config.LoadStageGraph(path)
}
