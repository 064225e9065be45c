package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
)

var errQuit = errors.New("quit")

// participant is the part of the signaling session the operator drives.
type participant interface {
	Watch(ctx context.Context) error
	RequestMic(ctx context.Context) error
	Respond(ctx context.Context, requester string, accept bool) error
	EndMic(ctx context.Context, peer string) error
	Push(ctx context.Context, peer string) error
	MicStatus(requester string) domain.MicStatus
	PendingRequests() []string
	Peers() []string
	PeerState(peer string) domain.NegotiationState
	Self() string
	IsBroadcaster() bool
}

const usage = `commands:
  watch            receive the broadcaster's stream
  request          ask the broadcaster for the mic
  accept <peer>    accept a mic request
  reject <peer>    reject a mic request
  end [peer]       end a co-host session (viewers omit peer)
  push <peer>      start sending our media to peer
  status           show mic requests and peers
  quit             leave the room`

// runCommand executes one operator line, writing any report to out.
func runCommand(ctx context.Context, p participant, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	needPeer := func() (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("%s needs exactly one peer", cmd)
		}
		return args[0], nil
	}

	switch cmd {
	case "watch":
		return p.Watch(ctx)
	case "request":
		return p.RequestMic(ctx)
	case "accept", "reject":
		peer, err := needPeer()
		if err != nil {
			return err
		}
		return p.Respond(ctx, peer, cmd == "accept")
	case "end":
		if len(args) > 1 {
			return errors.New("end takes at most one peer")
		}
		var peer string
		if len(args) == 1 {
			peer = args[0]
		}
		if peer == "" && p.IsBroadcaster() {
			return errors.New("end needs a peer")
		}
		return p.EndMic(ctx, peer)
	case "push":
		peer, err := needPeer()
		if err != nil {
			return err
		}
		return p.Push(ctx, peer)
	case "status":
		writeStatus(p, out)
		return nil
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprintln(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func writeStatus(p participant, out io.Writer) {
	role := "viewer"
	if p.IsBroadcaster() {
		role = "broadcaster"
	}
	fmt.Fprintf(out, "%s (%s)\n", p.Self(), role)

	if p.IsBroadcaster() {
		for _, r := range p.PendingRequests() {
			fmt.Fprintf(out, "  pending request from %s\n", r)
		}
	} else {
		fmt.Fprintf(out, "  mic: %s\n", p.MicStatus(p.Self()))
	}

	for _, peer := range p.Peers() {
		fmt.Fprintf(out, "  peer %s: %s\n", peer, p.PeerState(peer))
	}
}
