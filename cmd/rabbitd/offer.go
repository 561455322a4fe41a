/*
   Copyright 2026 Rabbit Authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/frame"
	"github.com/dgoldman0/rabbit/pkg/handshake"
)

// offerCommand dials a burrow, negotiates a tunnel, sends OFFER
// /warren on its control lane, and prints the "burrow: <id>" lines
// that come back.
func offerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "offer <address>",
		Short: "List a burrow's known warren peers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := fetchPeers(args[0])
			if err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func fetchPeers(addr string) ([]string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_, reader, err := handshake.Negotiate(conn, frame.DefaultLimits, handshake.Config{
		LocalID:      "rabbitd-offer",
		Version:      "1.0",
		Capabilities: []string{api.CapAsync, api.CapLanes},
	}, nil)
	if err != nil {
		return nil, err
	}

	req := frame.Frame{Start: frame.StartLine{Token: string(api.VerbOffer), Rest: "/warren"}}
	req.SetHeader("Lane", "0")
	if _, err := conn.Write(frame.Encode(req)); err != nil {
		return nil, err
	}

	resp, err := frame.Decode(reader, frame.DefaultLimits)
	if err != nil {
		return nil, err
	}
	if resp.Start.Token != "200" {
		return nil, fmt.Errorf("offer failed: %s %s", resp.Start.Token, resp.Start.Rest)
	}

	var peers []string
	for _, line := range strings.Split(string(resp.Body), "\r\n") {
		if line == "" || line == "." {
			continue
		}
		peers = append(peers, line)
	}
	return peers, nil
}
