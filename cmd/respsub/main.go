// respsub：订阅一个或多个频道/模式并打印收到的推送消息。
// 用法：respsub --addr 127.0.0.1:6379 --pattern news.* chat
// 输出：持续打印 "channel: payload"，直到收到中断信号。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wegjgwioj/respgo/client"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "server address, e.g. 127.0.0.1:6379")
	patterns := flag.String("pattern", "", "comma-separated glob patterns to PSUBSCRIBE to")
	flag.Parse()

	topics := flag.Args()
	patternList := splitNonEmpty(*patterns)
	if len(topics) == 0 && len(patternList) == 0 {
		fmt.Fprintln(os.Stderr, "usage: respsub --addr 127.0.0.1:6379 [--pattern p1,p2] chan1 chan2 ...")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Connect(ctx, *addr)
	if err != nil {
		log.Fatalf("connect %s: %v", *addr, err)
	}
	defer c.Close()

	// Order doesn't matter here: Transport fans out on-reconnect to every
	// registered observer, so this notifier and PubSub's own resubscribe
	// hook (registered below by c.PubSub()) both fire regardless of which
	// was registered first.
	c.SetOnStreamClosed(func(err error) { log.Printf("connection lost: %v", err) })
	c.SetOnReconnect(func() { log.Printf("reconnected, resubscribing") })

	ps := c.PubSub()
	for _, topic := range topics {
		topic := topic
		ps.Subscribe(topic, func(channel string, payload []byte) {
			fmt.Printf("%s: %s\n", channel, payload)
		})
	}
	for _, pattern := range patternList {
		pattern := pattern
		ps.PSubscribe(pattern, func(channel string, payload []byte) {
			fmt.Printf("%s: %s\n", channel, payload)
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func splitNonEmpty(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
