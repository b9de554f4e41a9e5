package monitor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"trailsim/internal/domain/model"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiDim    = "\033[2m"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct {
	Color bool
}

func NewFormatter(color bool) *Formatter {
	return &Formatter{Color: color}
}

func (f *Formatter) paint(s, c string) string {
	if !f.Color {
		return s
	}
	return colorize(s, c)
}

// Header 状态板标题行
func (f *Formatter) Header(count int) string {
	return f.paint(fmt.Sprintf("[TRAILSIM] %d open position(s)", count), ansiDim)
}

// Render 单个仓位一行
// BTCUSDT-1a2b3c sell qty=0.001 entry=50000 high=51000 trig=48450 (5%) active
func (f *Formatter) Render(s model.Snapshot) string {
	var sb strings.Builder

	sb.WriteString(s.StateKey)
	sb.WriteString(" ")
	sb.WriteString(string(s.Side))
	sb.WriteString(" qty=")
	sb.WriteString(num(s.Quantity))
	sb.WriteString(" entry=")
	sb.WriteString(num(s.EntryPrice))

	if s.Side == model.SideBuy {
		sb.WriteString(" low=")
		sb.WriteString(num(s.LowestPrice))
	} else {
		sb.WriteString(" high=")
		sb.WriteString(num(s.HighestPrice))
	}
	sb.WriteString(" trig=")
	sb.WriteString(num(s.TriggerPrice))
	sb.WriteString(" (")
	sb.WriteString(num(s.TrailingPercent))
	sb.WriteString("%)")

	if s.ActivationPrice > 0 {
		sb.WriteString(" act=")
		sb.WriteString(num(s.ActivationPrice))
	}
	sb.WriteString(" ")
	sb.WriteString(f.paint(string(s.Status), statusColor(s.Status)))

	if s.ErrorMessage != "" {
		sb.WriteString(" err=")
		sb.WriteString(strconv.Quote(s.ErrorMessage))
	}
	return sb.String()
}

// RenderAll 标题 + 每个仓位一行
func (f *Formatter) RenderAll(snaps []model.Snapshot) []string {
	lines := make([]string, 0, len(snaps)+1)
	lines = append(lines, f.Header(len(snaps)))
	for _, s := range snaps {
		lines = append(lines, f.Render(s))
	}
	return lines
}

func statusColor(st model.Status) string {
	switch st {
	case model.StatusActive:
		return ansiGreen
	case model.StatusError:
		return ansiRed
	default:
		return ansiYellow
	}
}

// num 保留 8 位小数，去掉浮点尾差
func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e8)/1e8, 'f', -1, 64)
}
