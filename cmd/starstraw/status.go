// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkauso/starstraw/internal/config"
)

// ServiceStatus holds the probe results for the running service.
type ServiceStatus struct {
	Addr  string `json:"addr"`
	Alive bool   `json:"alive"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type statusConfig struct {
	addr       string
	jsonOutput bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe a running starstraw service",
		Long:  `Query the liveness and readiness endpoints of a running service.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.addr, "addr", config.DefaultObservabilityAddr, "observability address to probe")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	status := probeService(cfg.addr, &http.Client{Timeout: 2 * time.Second})

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(formatStatus(status))
	return nil
}

// probeService hits the liveness and readiness endpoints.
func probeService(addr string, client *http.Client) ServiceStatus {
	status := ServiceStatus{Addr: addr}

	alive, err := probe(client, "http://"+addr+"/healthz/liveness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Alive = alive

	ready, err := probe(client, "http://"+addr+"/healthz/readiness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Ready = ready

	return status
}

func probe(client *http.Client, url string) (bool, error) {
	resp, err := client.Get(url)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	return resp.StatusCode == http.StatusOK, nil
}

func formatStatus(status ServiceStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service at %s\n", status.Addr)
	if status.Error != "" {
		fmt.Fprintf(&b, "  status: unreachable (%s)", status.Error)
		return b.String()
	}
	fmt.Fprintf(&b, "  alive: %v\n", status.Alive)
	fmt.Fprintf(&b, "  ready: %v", status.Ready)
	return b.String()
}
