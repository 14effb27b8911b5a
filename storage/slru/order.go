package slru

// WrapOrder 决定两个逻辑页号在回绕空间中的先后关系。
//
// 页号空间是环形的，不存在全序；实现只能通过 PagePrecedes 判断
// "a 是否在 b 之前"。每个日志族在构造缓存时注入自己的实现。
type WrapOrder interface {
	PagePrecedes(a, b int64) bool
}

// PagePrecedesFunc 函数适配器
type PagePrecedesFunc func(a, b int64) bool

func (f PagePrecedesFunc) PagePrecedes(a, b int64) bool {
	return f(a, b)
}
