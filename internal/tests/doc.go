// Package tests 是跨包的集成测试.
//
// 这里的用例只通过 workflow 的导出接口驱动工作流:
//   - 同一组工作流在 sync / queue / distributed 三种执行策略下面的表现
//   - redis 相关的部分使用 miniredis
//   - 索引和存储使用内存里面的 sqlite
//
// 运行:
//
//	go test ./internal/tests/...
package tests
