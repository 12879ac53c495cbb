package store

import "reflect"

// DeepClone returns a copy of v in which every reachable slice, map,
// pointer and interface value is rebuilt, so mutating the live value can
// never alter the copy. Pointers shared within v stay shared in the copy;
// a pointer that leads back to one of its own ancestors is cut to nil.
// Unexported struct fields are copied shallowly.
func DeepClone[T any](v T) T {
	c := cloner{
		done:   make(map[visit]reflect.Value),
		onPath: make(map[visit]bool),
	}
	src := reflect.ValueOf(&v).Elem()
	dst := reflect.New(src.Type()).Elem()
	c.copy(dst, src)
	return dst.Interface().(T)
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

type cloner struct {
	done   map[visit]reflect.Value
	onPath map[visit]bool
}

func (c *cloner) copy(dst, src reflect.Value) {
	switch src.Kind() {
	case reflect.Pointer:
		if src.IsNil() {
			return
		}
		key := visit{ptr: src.Pointer(), typ: src.Type()}
		if c.onPath[key] {
			dst.Set(reflect.Zero(dst.Type()))
			return
		}
		if prev, ok := c.done[key]; ok {
			dst.Set(prev)
			return
		}
		c.onPath[key] = true
		n := reflect.New(src.Type().Elem())
		c.copy(n.Elem(), src.Elem())
		delete(c.onPath, key)
		c.done[key] = n
		dst.Set(n)
	case reflect.Interface:
		if src.IsNil() {
			return
		}
		inner := src.Elem()
		n := reflect.New(inner.Type()).Elem()
		c.copy(n, inner)
		dst.Set(n)
	case reflect.Slice:
		if src.IsNil() {
			return
		}
		n := reflect.MakeSlice(src.Type(), src.Len(), src.Len())
		for i := 0; i < src.Len(); i++ {
			c.copy(n.Index(i), src.Index(i))
		}
		dst.Set(n)
	case reflect.Array:
		for i := 0; i < src.Len(); i++ {
			c.copy(dst.Index(i), src.Index(i))
		}
	case reflect.Map:
		if src.IsNil() {
			return
		}
		n := reflect.MakeMapWithSize(src.Type(), src.Len())
		iter := src.MapRange()
		for iter.Next() {
			k := reflect.New(src.Type().Key()).Elem()
			c.copy(k, iter.Key())
			val := reflect.New(src.Type().Elem()).Elem()
			c.copy(val, iter.Value())
			n.SetMapIndex(k, val)
		}
		dst.Set(n)
	case reflect.Struct:
		if src.CanInterface() {
			dst.Set(src)
		}
		for i := 0; i < src.NumField(); i++ {
			if !dst.Field(i).CanSet() {
				continue
			}
			c.copy(dst.Field(i), src.Field(i))
		}
	default:
		if src.CanInterface() {
			dst.Set(src)
		}
	}
}
