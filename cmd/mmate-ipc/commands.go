package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mmate "github.com/glimte/mmate-ipc"
	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/messaging"
)

// textCommand carries free text on a channel chosen at runtime
type textCommand struct {
	channel string
	Text    string `json:"text"`
}

func (c textCommand) Channel() string { return c.channel }

type textReply struct {
	Text string `json:"text"`
}

// rawEvent passes a JSON document through untouched
type rawEvent struct {
	channel string
	Body    json.RawMessage
}

func (e rawEvent) Channel() string { return e.channel }

func (e rawEvent) MarshalJSON() ([]byte, error) {
	if len(e.Body) == 0 {
		return []byte("null"), nil
	}
	return e.Body, nil
}

func (e *rawEvent) UnmarshalJSON(data []byte) error {
	e.Body = append(e.Body[:0], data...)
	return nil
}

var errEmptyText = errors.New("text is empty")

func echo(_ context.Context, cmd textCommand, _ contracts.ExecutionContext) (textReply, error) {
	if strings.TrimSpace(cmd.Text) == "" {
		return textReply{}, messaging.NewHandlerError(http.StatusBadRequest, errEmptyText.Error())
	}
	return textReply{Text: strings.ToUpper(cmd.Text)}, nil
}

func newServeEchoCommand(v *viper.Viper) *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "serve-echo",
		Short: "Answer commands on a channel with their text upper-cased",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := newClient(ctx, v)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := messaging.RegisterCommandHandler(client.Registry(),
				messaging.HandleCommand[textCommand, textReply](channel, echo)); err != nil {
				return err
			}
			if err := client.Start(ctx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "serving %s as %s, press Ctrl+C to stop\n", channel, client.ServiceName())
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "echo", "Command channel to serve")
	return cmd
}

func newSendCommand(v *viper.Viper) *cobra.Command {
	var (
		channel string
		user    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a text command and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := newClient(ctx, v)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := mmate.Call[textCommand, textReply](ctx, client,
				textCommand{channel: channel, Text: strings.Join(args, " ")},
				contracts.NewExecutionContext(user))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "echo", "Command channel")
	cmd.Flags().StringVar(&user, "user", "", "User id carried with the command")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the reply")
	return cmd
}

func newPublishCommand(v *viper.Viper) *cobra.Command {
	var (
		channel string
		user    string
	)

	cmd := &cobra.Command{
		Use:   "publish [json]",
		Short: "Publish a JSON document as an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(args[0])
			if !json.Valid(body) {
				return fmt.Errorf("event body is not valid JSON")
			}
			if channel == "" {
				return fmt.Errorf("--channel is required")
			}

			ctx := cmd.Context()
			client, err := newClient(ctx, v)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Publish(ctx, rawEvent{channel: channel, Body: body}, contracts.NewExecutionContext(user)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", channel)
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Event channel")
	cmd.Flags().StringVar(&user, "user", "", "User id carried with the event")
	return cmd
}

func newListenCommand(v *viper.Viper) *cobra.Command {
	var (
		channel string
		handler string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every event published on a channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if channel == "" {
				return fmt.Errorf("--channel is required")
			}

			ctx := cmd.Context()
			client, err := newClient(ctx, v)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			printEvent := func(_ context.Context, evt rawEvent, execCtx contracts.ExecutionContext) error {
				_, err := fmt.Fprintf(out, "%s user=%q %s\n", channel, execCtx.UserID, evt.Body)
				return err
			}
			if err := messaging.RegisterEventHandler(client.Registry(),
				messaging.HandleEvent[rawEvent](handler, channel, printEvent)); err != nil {
				return err
			}
			if err := client.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Event channel")
	cmd.Flags().StringVar(&handler, "handler", "listen", "Handler name; listeners sharing service and handler split the events")
	return cmd
}

func newHealthCommand(v *viper.Viper) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Connect and print a health report as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := newClient(ctx, v)
			if err != nil {
				return err
			}
			defer client.Close()

			report := client.Health(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Healthy() {
				return fmt.Errorf("service is %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long the checks may take")
	return cmd
}
