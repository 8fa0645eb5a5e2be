package reconcile

import "reflect"

// Merge returns a new tree with msg applied on top of tree. Nested objects
// merge field by field, slices are replaced wholesale, scalars overwrite and
// fields absent from msg keep their value from tree. Neither input is
// modified.
//
// Slice elements are copied shallowly. Trees never mutate elements in
// place, only whole slices, so sharing them between trees is safe.
func Merge(tree, msg *Report) *Report {
	out := &Report{}
	dst := reflect.ValueOf(out).Elem()
	if tree != nil {
		mergeStruct(dst, reflect.ValueOf(tree).Elem())
	}
	if msg != nil {
		mergeStruct(dst, reflect.ValueOf(msg).Elem())
	}
	return out
}

func mergeStruct(dst, src reflect.Value) {
	for i := 0; i < src.NumField(); i++ {
		df := dst.Field(i)
		if !df.CanSet() {
			continue
		}
		sf := src.Field(i)
		switch sf.Kind() {
		case reflect.Pointer:
			if sf.IsNil() {
				continue
			}
			elem := sf.Elem()
			if elem.Kind() == reflect.Struct {
				if df.IsNil() {
					df.Set(reflect.New(elem.Type()))
				}
				mergeStruct(df.Elem(), elem)
				continue
			}
			v := reflect.New(elem.Type())
			v.Elem().Set(elem)
			df.Set(v)
		case reflect.Slice:
			if sf.IsNil() {
				continue
			}
			cp := reflect.MakeSlice(sf.Type(), sf.Len(), sf.Len())
			reflect.Copy(cp, sf)
			df.Set(cp)
		default:
			df.Set(sf)
		}
	}
}
