// codegen.go - 编译驱动
//
// 每个函数走同一条流水线：分类 -> 帧布局 -> 调用点降级 -> 编码。
// 函数之间没有编译期依赖（函数符号重定位由链接阶段回填），
// 配置允许时按函数并行。

package codegen

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/nebula/internal/bytecode"
)

// CompiledFunc 单个函数的编译结果
type CompiledFunc struct {
	Fn     *bytecode.Function
	Class  FrameClassification
	Layout *FrameLayout
	Blocks [][]LIR
	Blob   *CodeBlob
}

// CompiledModule 模块编译结果
type CompiledModule struct {
	Module *bytecode.Module
	Conv   *CallingConv
	Funcs  []*CompiledFunc
	Stats  Stats
}

// Stats 编译统计
type Stats struct {
	Funcs        int           `json:"funcs"`
	Leaf         int           `json:"leaf"`
	Regular      int           `json:"regular"`
	TailCallOnly int           `json:"tail_call_only"`
	Elidable     int           `json:"elidable"`
	CodeBytes    int           `json:"code_bytes"`
	CompileTime  time.Duration `json:"compile_time_ns"`
}

// Compiler 编译驱动
type Compiler struct {
	conv     *CallingConv
	parallel bool
	log      *zap.Logger
}

// NewCompiler 创建编译驱动
// log 为 nil 时不输出日志
func NewCompiler(cfg *Config, log *zap.Logger) (*Compiler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	conv, err := ConvByName(cfg.Codegen.Conv)
	if err != nil {
		return nil, err
	}
	return &Compiler{
		conv:     conv,
		parallel: cfg.Codegen.Parallel,
		log:      log,
	}, nil
}

// Conv 返回驱动使用的调用约定
func (c *Compiler) Conv() *CallingConv {
	return c.conv
}

// CompileModule 编译整个模块
func (c *Compiler) CompileModule(mod *bytecode.Module) (*CompiledModule, error) {
	start := time.Now()
	funcs := make([]*CompiledFunc, len(mod.Funcs))
	errs := make([]error, len(mod.Funcs))

	if c.parallel {
		var wg sync.WaitGroup
		for i := range mod.Funcs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				funcs[i], errs[i] = c.compileFunc(mod, mod.Funcs[i])
			}(i)
		}
		wg.Wait()
	} else {
		for i := range mod.Funcs {
			funcs[i], errs[i] = c.compileFunc(mod, mod.Funcs[i])
		}
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	cm := &CompiledModule{Module: mod, Conv: c.conv, Funcs: funcs}
	cm.Stats = collectStats(funcs)
	cm.Stats.CompileTime = time.Since(start)

	c.log.Info("module compiled",
		zap.Int("funcs", cm.Stats.Funcs),
		zap.Int("elidable", cm.Stats.Elidable),
		zap.Int("code_bytes", cm.Stats.CodeBytes),
		zap.Duration("elapsed", cm.Stats.CompileTime),
	)
	return cm, nil
}

func (c *Compiler) compileFunc(mod *bytecode.Module, fn *bytecode.Function) (*CompiledFunc, error) {
	lf, err := Lower(mod, fn, c.conv)
	if err != nil {
		return nil, err
	}
	blob, err := EncodeX64(lf)
	if err != nil {
		return nil, err
	}

	c.log.Debug("function compiled",
		zap.String("func", fn.Name),
		zap.Stringer("class", lf.Class),
		zap.Bool("elidable", lf.Layout.Elidable),
		zap.Int("code_bytes", len(blob.Code)),
	)
	return &CompiledFunc{
		Fn:     fn,
		Class:  lf.Class,
		Layout: lf.Layout,
		Blocks: lf.Blocks,
		Blob:   blob,
	}, nil
}

func collectStats(funcs []*CompiledFunc) Stats {
	var s Stats
	s.Funcs = len(funcs)
	for _, cf := range funcs {
		switch cf.Class {
		case FrameLeaf:
			s.Leaf++
		case FrameRegular:
			s.Regular++
		case FrameTailCallOnly:
			s.TailCallOnly++
		}
		if cf.Layout.Elidable {
			s.Elidable++
		}
		s.CodeBytes += len(cf.Blob.Code)
	}
	return s
}

// LinkImage 把模块链接成可执行镜像
func (cm *CompiledModule) LinkImage(helpers map[string]uintptr) (*Image, error) {
	blobs := make([]*CodeBlob, len(cm.Funcs))
	for i, cf := range cm.Funcs {
		blobs[i] = cf.Blob
	}
	return Link(blobs, helpers)
}

// Disassemble 返回函数的 LIR 反汇编
func (cf *CompiledFunc) Disassemble() string {
	var b strings.Builder
	fmt.Fprintf(&b, "func %s %s ; %s", cf.Fn.Name, cf.Fn.Sig.String(), cf.Class)
	if cf.Layout.Elidable {
		b.WriteString(" elidable")
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "  ; incoming=%d outgoing=%d slots=%d\n",
		cf.Layout.IncomingArgsSize, cf.Layout.OutgoingArgsSize, cf.Layout.StackSlotsSize)
	for bi, block := range cf.Blocks {
		fmt.Fprintf(&b, "b%d:\n", bi)
		for ii := range block {
			fmt.Fprintf(&b, "  %s\n", block[ii].String())
		}
	}
	return b.String()
}
