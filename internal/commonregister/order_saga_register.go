package commonregister

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/blingmoon/activity-workflow/workflow"
)

type Order struct {
	ID       string
	SKU      string
	Quantity int
	Amount   int64
	// FailShipping 模拟物流失败, 触发回滚
	FailShipping bool
}

// OrderContext 订单 saga 的 workflow 上下文
type OrderContext struct {
	*workflow.BaseWorkflowContext
	Order Order
}

func NewOrderContext(order Order) *OrderContext {
	return &OrderContext{BaseWorkflowContext: workflow.NewWorkflowContext(), Order: order}
}

// Ledger 内存中的库存和支付记录
type Ledger struct {
	mu       sync.Mutex
	stock    map[string]int
	reserved map[string]int
	payments map[string]int64
	journal  []string
}

func NewLedger(stock map[string]int) *Ledger {
	l := &Ledger{stock: make(map[string]int), reserved: make(map[string]int), payments: make(map[string]int64)}
	for sku, n := range stock {
		l.stock[sku] = n
	}
	return l
}

func (l *Ledger) Stock(sku string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stock[sku]
}

func (l *Ledger) Paid(orderID string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.payments[orderID]
	return amount, ok
}

// Journal 按顺序记录的操作
func (l *Ledger) Journal() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.journal...)
}

func (l *Ledger) record(format string, args ...any) {
	l.journal = append(l.journal, fmt.Sprintf(format, args...))
}

func orderOf(scope *workflow.ActivityScope) (Order, error) {
	orderCtx, ok := workflow.ContextAs[*OrderContext](scope.WorkflowContext())
	if !ok {
		return Order{}, errors.New("workflow context is not an order context")
	}
	return orderCtx.Order, nil
}

func (l *Ledger) reserve(ctx context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
	order, err := orderOf(scope)
	if err != nil {
		return workflow.ActivityResultFailed, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stock[order.SKU] < order.Quantity {
		scope.Logger().WarnContext(ctx, "out of stock", "order_id", order.ID, "sku", order.SKU)
		return workflow.ActivityResultFailed, nil
	}
	l.stock[order.SKU] -= order.Quantity
	l.reserved[order.ID] = order.Quantity
	l.record("reserve %s x%d", order.SKU, order.Quantity)
	scope.Cache().Set("reserved_at", time.Now().Unix())
	return workflow.ActivityResultSuccessful, nil
}

// release 只归还这个订单实际预留的数量, 预留失败时什么也不做
func (l *Ledger) release(_ context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
	order, err := orderOf(scope)
	if err != nil {
		return workflow.ActivityResultFailed, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	quantity, ok := l.reserved[order.ID]
	if !ok {
		return workflow.ActivityResultSuccessful, nil
	}
	delete(l.reserved, order.ID)
	l.stock[order.SKU] += quantity
	l.record("release %s x%d", order.SKU, quantity)
	return workflow.ActivityResultSuccessful, nil
}

func (l *Ledger) charge(_ context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
	order, err := orderOf(scope)
	if err != nil {
		return workflow.ActivityResultFailed, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments[order.ID] = order.Amount
	l.record("charge %s %d", order.ID, order.Amount)
	return workflow.ActivityResultSuccessful, nil
}

func (l *Ledger) refund(_ context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
	order, err := orderOf(scope)
	if err != nil {
		return workflow.ActivityResultFailed, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.payments, order.ID)
	l.record("refund %s %d", order.ID, order.Amount)
	return workflow.ActivityResultSuccessful, nil
}

func (l *Ledger) ship(ctx context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
	order, err := orderOf(scope)
	if err != nil {
		return workflow.ActivityResultFailed, err
	}
	if order.FailShipping {
		scope.Logger().WarnContext(ctx, "carrier rejected the order", "order_id", order.ID)
		return workflow.ActivityResultFailed, nil
	}
	l.mu.Lock()
	l.record("ship %s", order.ID)
	l.mu.Unlock()
	scope.Cache().Set("tracking_no", "TRK-"+order.ID)
	return workflow.ActivityResultSuccessful, nil
}

func (l *Ledger) notify(_ context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
	order, err := orderOf(scope)
	if err != nil {
		return workflow.ActivityResultFailed, err
	}
	scope.PublishEvent(fmt.Sprintf("order %s shipped", order.ID))
	return workflow.ActivityResultSuccessful, nil
}

// NewOrderWorkflow 预留库存 -> 扣款 -> 发货 -> 通知, 失败时释放库存并退款
// 通知失败不影响订单
func NewOrderWorkflow(order Order, ledger *Ledger) (*workflow.Workflow, error) {
	wf := workflow.NewWorkflow("order "+order.ID, NewOrderContext(order), workflow.WithWorkflowType("order_saga"))

	steps := []struct {
		activity workflow.Activity
		opts     []workflow.StepOption
	}{
		{
			activity: workflow.NewFuncActivity("reserve stock", true, ledger.reserve),
			opts: []workflow.StepOption{
				workflow.WithCompletionPercentage(25),
				workflow.WithRollback(workflow.NewFuncActivity("release stock", false, ledger.release)),
			},
		},
		{
			activity: workflow.NewFuncActivity("charge payment", false, ledger.charge),
			opts: []workflow.StepOption{
				workflow.WithCompletionPercentage(50),
				workflow.WithRollback(workflow.NewFuncActivity("refund payment", false, ledger.refund)),
			},
		},
		{
			activity: workflow.NewFuncActivity("ship order", true, ledger.ship),
			opts:     []workflow.StepOption{workflow.WithCompletionPercentage(90)},
		},
		{
			activity: workflow.NewFuncActivity("notify customer", true, ledger.notify),
			opts:     []workflow.StepOption{workflow.WithCompletionPercentage(100), workflow.WithIgnoreFailure()},
		},
	}
	for _, step := range steps {
		if err := wf.Do(step.activity, step.opts...); err != nil {
			return nil, errors.WithMessagef(err, "add activity %s failed", step.activity.Description())
		}
	}
	return wf, nil
}
