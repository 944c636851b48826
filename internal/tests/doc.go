// Package tests 是 activity-workflow 的集成测试。
//
// 此包位于 internal/ 目录下，外部项目无法导入。
//
// 测试内容
//   - 通过公开 API 组装 engine、workflow 和 activity 的场景测试
//   - 订单 saga 的回滚以及运行历史落库
//   - redis 运行锁（miniredis）下多个 engine 的互斥
//   - 异步运行、跨 goroutine 取消以及订阅者回调所在的 goroutine
//   - RuntimeCache 在 activity 之间以及落库前后的数据传递
//
// 运行测试
//
//	go test ./internal/tests/...
//
// 查看覆盖率：
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/activity-workflow/workflow ./internal/tests/...
//	go tool cover -html=coverage.out
package tests
