package port

import "time"

type Sink interface {
	// WriteLine 命令回显等普通输出
	WriteLine(line string) error
	// WriteSnapshot 定时状态板：一行时间戳 + 每个仓位一行
	WriteSnapshot(ts time.Time, lines []string) error
}
