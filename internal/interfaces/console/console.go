package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"trailsim/internal/application/port"
	"trailsim/internal/application/service"
	"trailsim/internal/application/usecase/monitor"
	"trailsim/internal/domain/model"
)

// Positions 控制台需要的仓位操作
type Positions interface {
	Create(ctx context.Context, req service.CreateRequest) (*service.CreateResult, error)
	Cancel(ctx context.Context, stateKey string) error
	Get(ctx context.Context, stateKey string) (model.Snapshot, error)
	ListActive() []model.Snapshot
}

const usage = `commands:
  open <symbol> <buy|sell> <quantity> <trailing%> <entry> [activation]
  cancel <stateKey>
  get <stateKey>
  list
  help
  quit`

// Console 逐行读取命令并把结果写到 Sink
type Console struct {
	positions Positions
	formatter *monitor.Formatter
	sink      port.Sink
	now       func() time.Time
}

func New(positions Positions, formatter *monitor.Formatter, sink port.Sink) *Console {
	return &Console{
		positions: positions,
		formatter: formatter,
		sink:      sink,
		now:       time.Now,
	}
}

// Run 读到 EOF、quit 或 ctx 结束时返回
func (c *Console) Run(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if !c.Exec(ctx, line) {
				return nil
			}
		}
	}
}

// Exec 执行一条命令，返回 false 表示退出
func (c *Console) Exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	var err error
	switch strings.ToLower(fields[0]) {
	case "open":
		err = c.open(ctx, fields[1:])
	case "cancel":
		err = c.cancel(ctx, fields[1:])
	case "get":
		err = c.get(ctx, fields[1:])
	case "list", "ls":
		c.PrintStatus()
	case "help", "?":
		c.write(usage)
	case "quit", "exit":
		return false
	default:
		err = fmt.Errorf("%w: unknown command %q", model.ErrInvalidInput, fields[0])
	}
	if err != nil {
		c.write("error: " + err.Error())
	}
	return true
}

func (c *Console) open(ctx context.Context, args []string) error {
	if len(args) != 5 && len(args) != 6 {
		return fmt.Errorf("%w: open <symbol> <buy|sell> <quantity> <trailing%%> <entry> [activation]", model.ErrInvalidInput)
	}
	nums, err := parseFloats(args[2:])
	if err != nil {
		return err
	}
	req := service.CreateRequest{
		Symbol:          args[0],
		Side:            args[1],
		Quantity:        nums[0],
		TrailingPercent: nums[1],
		EntryPrice:      nums[2],
	}
	if len(nums) == 4 {
		req.ActivationPrice = &nums[3]
	}

	res, err := c.positions.Create(ctx, req)
	if err != nil {
		return err
	}
	c.write(fmt.Sprintf("opened %s status=%s entry=%v trigger=%v", res.StateKey, res.Status, res.EntryPrice, res.TriggerPrice))
	return nil
}

func (c *Console) cancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: cancel <stateKey>", model.ErrInvalidInput)
	}
	if err := c.positions.Cancel(ctx, args[0]); err != nil {
		return err
	}
	c.write("cancelled " + args[0])
	return nil
}

func (c *Console) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: get <stateKey>", model.ErrInvalidInput)
	}
	s, err := c.positions.Get(ctx, args[0])
	if err != nil {
		return err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	c.write(c.formatter.Render(s))
	c.write(string(b))
	return nil
}

// PrintStatus 输出一次状态板
func (c *Console) PrintStatus() {
	lines := c.formatter.RenderAll(c.positions.ListActive())
	if err := c.sink.WriteSnapshot(c.now(), lines); err != nil {
		log.Warn().Err(err).Msg("write status board failed")
	}
}

// RunStatusBoard 每隔 every 输出一次状态板，直到 ctx 结束
func (c *Console) RunStatusBoard(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.PrintStatus()
		}
	}
}

func (c *Console) write(line string) {
	if err := c.sink.WriteLine(line); err != nil {
		log.Warn().Err(err).Msg("write console line failed")
	}
}

func parseFloats(in []string) ([]float64, error) {
	out := make([]float64, 0, len(in))
	for _, s := range in {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", model.ErrInvalidInput, s)
		}
		out = append(out, v)
	}
	return out, nil
}
