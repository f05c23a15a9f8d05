// Package main 是 life-stream MQTT 客户端命令行入口.
//
// 用法:
//
//	mqtt-client [flags] <command> [args]
//
// 子命令:
//
//	sub   - 订阅过滤器并打印收到的消息
//	pub   - 发布一条消息
//	match - 判断主题是否匹配过滤器
package main

import (
	"fmt"
	"os"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/cmd/mqtt-client/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
