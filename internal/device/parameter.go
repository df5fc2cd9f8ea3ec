package device

import (
	"sort"

	"fieldgate/internal/codec"
	"fieldgate/internal/config"
	"fieldgate/internal/fault"
)

// Parameter is one validated, immutable point definition bound to a device.
type Parameter struct {
	Name      string
	Class     config.RegisterClass
	Address   uint16 // absolute register/bit address
	DataType  codec.DataType
	ByteOrder codec.ByteOrder
	Scale     float64
	Decimals  int32
	Unit      string
	Words     int // 1 for bit classes
}

func buildParameter(class config.RegisterClass, r config.RangeConfig, p config.ParameterConfig) (Parameter, error) {
	if p.RegisterIndex == nil {
		return Parameter{}, fault.New(fault.KindConfiguration, "parameter %s: register_index is required", p.Name)
	}
	param := Parameter{
		Name:     p.Name,
		Class:    class,
		Address:  r.StartAddress + *p.RegisterIndex,
		Scale:    p.ScalingFactor,
		Decimals: p.DecimalPoint,
		Unit:     p.Unit,
		Words:    1,
	}
	if class.Bits() {
		return param, nil
	}
	if p.DataType == "" {
		return Parameter{}, fault.New(fault.KindConfiguration, "parameter %s: data_type is required", p.Name)
	}
	words, err := codec.WordCount(p.DataType)
	if err != nil {
		return Parameter{}, fault.Wrap(fault.KindConfiguration, err, "parameter %s", p.Name)
	}
	order := p.ByteOrder
	if order == "" {
		order = codec.DefaultOrder(p.DataType)
	}
	if err := codec.ValidateOrder(p.DataType, order); err != nil {
		return Parameter{}, fault.Wrap(fault.KindConfiguration, err, "parameter %s", p.Name)
	}
	param.DataType = p.DataType
	param.ByteOrder = order
	param.Words = words
	return param, nil
}

// readGroup is one planned physical read: a register class plus a contiguous
// address window covering one or more parameters.
type readGroup struct {
	class  config.RegisterClass
	start  uint16
	count  uint16
	params []int // indexes into the device parameter slice
}

// planGroups coalesces parameters of the same register class into minimal
// contiguous reads. Adjacent and overlapping windows merge; a gap splits the
// plan into separate requests.
func planGroups(params []Parameter) []readGroup {
	byClass := make(map[config.RegisterClass][]int)
	for i, p := range params {
		byClass[p.Class] = append(byClass[p.Class], i)
	}
	classes := make([]config.RegisterClass, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	var groups []readGroup
	for _, class := range classes {
		indexes := byClass[class]
		sort.SliceStable(indexes, func(a, b int) bool {
			if params[indexes[a]].Address == params[indexes[b]].Address {
				return indexes[a] < indexes[b]
			}
			return params[indexes[a]].Address < params[indexes[b]].Address
		})
		var current *readGroup
		for _, idx := range indexes {
			p := params[idx]
			end := int(p.Address) + p.Words // exclusive
			if current != nil && int(p.Address) <= int(current.start)+int(current.count) {
				if end > int(current.start)+int(current.count) {
					current.count = uint16(end - int(current.start))
				}
				current.params = append(current.params, idx)
				continue
			}
			groups = append(groups, readGroup{
				class:  class,
				start:  p.Address,
				count:  uint16(p.Words),
				params: []int{idx},
			})
			current = &groups[len(groups)-1]
		}
	}
	return groups
}
