// Package backend 聚合可用的流媒体后端模块，并提供统一的注册入口。
//
// 模块作者需要：
//   1. 在 internal/backend/<module-key>/ 目录下声明模块元数据；
//   2. 在 init() 中调用 MustRegister 注册；
//   3. 在 main 中以空导入方式启用该模块。
//
// 配置中的 [[Backend]].Type 必须指向一个已注册的模块键。
package backend
