// Package output contains utilities for processing results from zmsmq scanners
// before they are serialized.
package output

import (
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// ZMSMQTag holds the information from the `zmsmq` struct tag.
type ZMSMQTag struct {
	// Debug means that the field should only be output when doing verbose output.
	Debug bool
}

// parseZMSMQTag reads the `zmsmq` tag and returns the corresponding parsed
// ZMSMQTag. Currently only "debug" is recognized; other options should be
// comma separated.
func parseZMSMQTag(value string) *ZMSMQTag {
	ret := ZMSMQTag{Debug: false}
	for _, field := range strings.Split(value, ",") {
		switch strings.TrimSpace(field) {
		case "debug":
			ret.Debug = true
		}
	}
	return &ret
}

// Types that are considered to be non-primitive
var compoundKinds = map[reflect.Kind]bool{
	reflect.Struct:    true,
	reflect.Slice:     true,
	reflect.Array:     true,
	reflect.Map:       true,
	reflect.Interface: true,
	reflect.Ptr:       true,
}

var marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// OutputProcessor holds the options and state for a processing run.
type OutputProcessor struct {
	// Verbose indicates that debug fields should not be stripped out.
	Verbose bool
}

// NewOutputProcessor gets a new OutputProcessor with the default settings.
func NewOutputProcessor() *OutputProcessor {
	return &OutputProcessor{
		Verbose: false,
	}
}

// Process the input using the options in the given OutputProcessor.
// The input is not modified; the result is a copy with debug fields zeroed
// (and so omitted by `json:",omitempty"`) unless Verbose is set.
func (processor *OutputProcessor) Process(v any) (any, error) {
	ret, err := processor.process(v)
	if err != nil {
		return nil, err
	}
	if !ret.IsValid() {
		return nil, nil
	}
	return ret.Interface(), nil
}

// Process the input using the default options (strip debug fields).
func Process(v any) (any, error) {
	return NewOutputProcessor().Process(v)
}

// Internal version to catch panics
func (processor *OutputProcessor) process(v any) (ret reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(runtime.Error); ok {
				panic(r)
			}
			ret = reflect.Value{}
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
	}()
	return processor.processValue(reflect.ValueOf(&v).Elem()), nil
}

func (processor *OutputProcessor) processValue(v reflect.Value) reflect.Value {
	if !v.IsValid() {
		return v
	}
	return typeProcessor(v.Type())(processor, v)
}

// processorFunc takes an OutputProcessor and a value, and returns a processed copy of the value.
type processorFunc func(s *OutputProcessor, v reflect.Value) reflect.Value

// processorCache maps reflect.Type to processorFunc.
var processorCache sync.Map

// typeProcessor gets (potentially cached) a processorFunc for the given type.
func typeProcessor(t reflect.Type) processorFunc {
	if fi, ok := processorCache.Load(t); ok {
		return fi.(processorFunc)
	}
	// Recursive types resolve through this indirection until the real
	// processor is stored.
	var (
		wg sync.WaitGroup
		f  processorFunc
	)
	wg.Add(1)
	fi, loaded := processorCache.LoadOrStore(t, processorFunc(func(s *OutputProcessor, v reflect.Value) reflect.Value {
		wg.Wait()
		return f(s, v)
	}))
	if loaded {
		return fi.(processorFunc)
	}
	f = newTypeProcessor(t)
	wg.Done()
	processorCache.Store(t, f)
	return f
}

// newTypeProcessor constructs a processorFunc for a type.
func newTypeProcessor(t reflect.Type) processorFunc {
	if !compoundKinds[t.Kind()] {
		return dupeProcessor
	}
	// Types with their own encoding, like time.Time, are copied as they are.
	if t.Kind() != reflect.Interface && t.Implements(marshalerType) {
		return dupeProcessor
	}
	switch t.Kind() {
	case reflect.Interface:
		return interfaceProcessor
	case reflect.Struct:
		return newStructProcessor(t)
	case reflect.Map:
		return newMapProcessor(t)
	case reflect.Slice:
		return newSliceProcessor(t)
	case reflect.Array:
		return newArrayProcessor(t)
	case reflect.Ptr:
		return newPtrProcessor(t)
	}
	return dupeProcessor
}

// dupeProcessor returns a plain copy of the given primitive value.
func dupeProcessor(_ *OutputProcessor, v reflect.Value) reflect.Value {
	ret := reflect.New(v.Type()).Elem()
	ret.Set(v)
	return ret
}

// interfaceProcessor returns a processor for the value underlying the interface.
func interfaceProcessor(processor *OutputProcessor, v reflect.Value) reflect.Value {
	ret := reflect.New(v.Type()).Elem()
	if v.IsNil() {
		return ret
	}
	ret.Set(processor.processValue(v.Elem()))
	return ret
}

type structField struct {
	index     int
	debug     bool
	processor processorFunc
}

// structProcessor holds the exported fields of a single struct type.
type structProcessor struct {
	fields []structField
}

func (se *structProcessor) process(processor *OutputProcessor, v reflect.Value) reflect.Value {
	ret := reflect.New(v.Type()).Elem()
	// Unexported fields keep a shallow copy.
	ret.Set(v)
	for _, f := range se.fields {
		field := ret.Field(f.index)
		if f.debug && !processor.Verbose {
			field.Set(reflect.Zero(field.Type()))
			continue
		}
		field.Set(f.processor(processor, v.Field(f.index)))
	}
	return ret
}

// newStructProcessor constructs a processor for the exported fields of the struct.
func newStructProcessor(t reflect.Type) processorFunc {
	se := &structProcessor{}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if sf.Tag.Get("json") == "-" {
			continue
		}
		se.fields = append(se.fields, structField{
			index:     i,
			debug:     parseZMSMQTag(sf.Tag.Get("zmsmq")).Debug,
			processor: typeProcessor(sf.Type),
		})
	}
	return se.process
}

// mapProcessor processes each value of a map and returns a copy of it.
type mapProcessor struct {
	elemProcessor processorFunc
}

func (me *mapProcessor) process(processor *OutputProcessor, v reflect.Value) reflect.Value {
	if v.IsNil() {
		return reflect.New(v.Type()).Elem()
	}
	ret := reflect.MakeMapWithSize(v.Type(), v.Len())
	iter := v.MapRange()
	for iter.Next() {
		ret.SetMapIndex(iter.Key(), me.elemProcessor(processor, iter.Value()))
	}
	return ret
}

func newMapProcessor(t reflect.Type) processorFunc {
	me := &mapProcessor{elemProcessor: typeProcessor(t.Elem())}
	return me.process
}

// arrayProcessor calls the element processor for each element of the array or slice.
type arrayProcessor struct {
	elemProcessor processorFunc
}

func (ae *arrayProcessor) process(processor *OutputProcessor, v reflect.Value) reflect.Value {
	var ret reflect.Value
	if v.Kind() == reflect.Slice {
		if v.IsNil() {
			return reflect.New(v.Type()).Elem()
		}
		ret = reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	} else {
		ret = reflect.New(v.Type()).Elem()
	}
	for i := 0; i < v.Len(); i++ {
		ret.Index(i).Set(ae.elemProcessor(processor, v.Index(i)))
	}
	return ret
}

// newSliceProcessor duplicates slices of primitive types wholesale, and
// processes compound element types one by one.
func newSliceProcessor(t reflect.Type) processorFunc {
	if !compoundKinds[t.Elem().Kind()] {
		return func(_ *OutputProcessor, v reflect.Value) reflect.Value {
			if v.IsNil() {
				return reflect.New(v.Type()).Elem()
			}
			ret := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
			reflect.Copy(ret, v)
			return ret
		}
	}
	return newArrayProcessor(t)
}

func newArrayProcessor(t reflect.Type) processorFunc {
	ae := &arrayProcessor{elemProcessor: typeProcessor(t.Elem())}
	return ae.process
}

// ptrProcessor creates a new pointer then uses the element processor to fill it.
type ptrProcessor struct {
	elemProcessor processorFunc
}

func (pe *ptrProcessor) process(processor *OutputProcessor, v reflect.Value) reflect.Value {
	if v.IsNil() {
		return reflect.New(v.Type()).Elem()
	}
	ret := reflect.New(v.Type().Elem())
	ret.Elem().Set(pe.elemProcessor(processor, v.Elem()))
	return ret
}

func newPtrProcessor(t reflect.Type) processorFunc {
	pe := &ptrProcessor{elemProcessor: typeProcessor(t.Elem())}
	return pe.process
}
