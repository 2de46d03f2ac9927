// respcli：用于手工验证的极简命令行客户端。
// 用法：respcli --addr 127.0.0.1:6379 SET key value
// 输出：直接打印响应，适合快速调试协议细节。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wegjgwioj/respgo/client"
	"github.com/wegjgwioj/respgo/resp"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "server address, e.g. 127.0.0.1:6379")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: respcli --addr 127.0.0.1:6379 <CMD> [ARGS...]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Connect(ctx, *addr)
	if err != nil {
		log.Fatalf("connect %s: %v", *addr, err)
	}
	defer c.Close()

	// Additive: registering this doesn't disturb the pipeline's own
	// on-stream-closed hook (failing pending requests), since Transport
	// fans out to every registered observer rather than keeping one slot.
	c.SetOnStreamClosed(func(err error) {
		log.Printf("connection lost: %v", err)
	})
	c.SetOnReconnect(func() {
		log.Printf("reconnected")
	})

	cmdArgs := make([]interface{}, len(args))
	for i, a := range args {
		cmdArgs[i] = a
	}

	done := make(chan resp.Value, 1)
	c.Do(func(v resp.Value) { done <- v }, cmdArgs...)

	select {
	case v := <-done:
		printReply(v)
		if _, isErr := v.(*resp.Error); isErr {
			os.Exit(1)
		}
	case <-time.After(5 * time.Second):
		log.Fatal("timed out waiting for reply")
	}
}

func printReply(v resp.Value) {
	switch r := v.(type) {
	case *resp.SimpleString:
		fmt.Println(r.Value)
	case *resp.Error:
		fmt.Println("ERROR:", r.Msg)
	case *resp.Integer:
		fmt.Println(r.Value)
	case *resp.BulkString:
		if r.Null {
			fmt.Println("(nil)")
			return
		}
		fmt.Println(string(r.Data))
	case *resp.Array:
		if r.Null {
			fmt.Println("(nil array)")
			return
		}
		for i, item := range r.Items {
			fmt.Printf("%d) ", i+1)
			printReply(item)
		}
	default:
		fmt.Printf("%#v\n", v)
	}
}
