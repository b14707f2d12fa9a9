package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/config"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/presets"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/publisher"
)

type publishOptions struct {
	broker  string
	addr    string
	channel string
	group   string
	event   string
	payload string
	source  string
	org     int64
}

func newPublishCmd() *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one envelope onto the broker channel",
		Long: `Publish one envelope the way a background worker does and print how many
receivers the broker delivered it to. Zero receivers is not an error.

Examples:
  relay publish --broker redis --addr localhost:6379 \
    --group task:482 --event task:comment_added --payload '{"commentId":9}'

  relay publish --broker nats --addr nats://localhost:4222 \
    --group chat:5 --event chat:typing --source ChatBot --org 17 \
    --payload '{"roomId":5,"agentName":"helper","isTyping":true}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.envelope()
			if err != nil {
				return err
			}
			cfg := config.Default()
			cfg.Broker.Kind = opts.broker
			cfg.Broker.Addr = opts.addr
			if opts.broker == config.BrokerKafka {
				cfg.Broker.Brokers = strings.Split(opts.addr, ",")
			}
			stack, err := presets.Build(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = stack.Close() }()

			pub := publisher.New(stack.Broker, publisher.WithChannel(opts.channel), publisher.WithLogger(logging.New("publish")))
			n, err := pub.Publish(cmd.Context(), env)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d receivers\n", n)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.broker, "broker", config.BrokerRedis, "Broker kind: redis, nats, kafka or memory")
	f.StringVar(&opts.addr, "addr", "localhost:6379", "Broker address (comma separated for kafka)")
	f.StringVar(&opts.channel, "channel", envelope.DefaultChannel, "Broker channel")
	f.StringVarP(&opts.group, "group", "g", "", "Target group, e.g. task:482")
	f.StringVarP(&opts.event, "event", "e", "", "Event type, e.g. task:comment_added")
	f.StringVarP(&opts.payload, "payload", "p", "null", "JSON payload")
	f.StringVar(&opts.source, "source", "System", "Source type: System, User, ChatBot or SystemBot")
	f.Int64Var(&opts.org, "org", 0, "Organization id, required for agent sources")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func (o *publishOptions) envelope() (envelope.Envelope, error) {
	source, err := envelope.ParseSourceType(o.source)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if !json.Valid([]byte(o.payload)) {
		return envelope.Envelope{}, fmt.Errorf("payload is not valid JSON")
	}
	opts := []envelope.Option{envelope.WithSource(source)}
	if o.org != 0 {
		opts = append(opts, envelope.WithOrganization(o.org))
	}
	return envelope.New(o.group, envelope.EventType(o.event), json.RawMessage(o.payload), opts...)
}
