// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mellium.im/fmuc/internal/config"
)

func checkCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the rooms it defines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			// Building the service catches anything validation missed.
			if _, err := newService(cfg, discard{}, nil, zap.NewNop()); err != nil {
				return err
			}
			return printRooms(cmd.OutOrStdout(), cfg)
		},
	}
}

func printRooms(w io.Writer, cfg *config.Config) error {
	domain, err := cfg.Domain()
	if err != nil {
		return err
	}
	rooms, err := cfg.RoomSet()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Service %s via %s (federation %s)\n", domain, cfg.Component.Server, onOff(cfg.Federation))
	if len(rooms) == 0 {
		fmt.Fprintln(w, "No rooms configured.")
		return nil
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("ROOM", "FEDERATION", "JOINS", "MODE", "HISTORY", "JOIN TIMEOUT", "SUBJECT")
	for _, r := range rooms {
		peer, mode := "-", "-"
		if out := r.Config.Outbound; out != nil {
			peer, mode = out.Peer.String(), out.Mode.String()
		}
		t.Row(
			r.Name+"@"+domain.Domainpart(),
			onOff(r.Config.Federation),
			peer,
			mode,
			strconv.Itoa(r.Config.MaxHistory),
			r.Config.JoinTimeout.String(),
			r.Config.Subject,
		)
	}
	_, err = fmt.Fprintln(w, t.Render())
	return err
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// discard is a router for services that are never run.
type discard struct{}

func (discard) Send(context.Context, xml.TokenReader) error { return nil }
