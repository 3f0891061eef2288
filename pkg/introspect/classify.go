package introspect

import (
	"reflect"
	"strings"

	"github.com/morezero/inspector-bridge/pkg/engine"
)

// TypeTag classifies a property value for the panel's editors.
type TypeTag string

const (
	TypeString    TypeTag = "string"
	TypeNumber    TypeTag = "number"
	TypeBoolean   TypeTag = "boolean"
	TypeObject    TypeTag = "object"
	TypeArray     TypeTag = "array"
	TypeFunction  TypeTag = "function"
	TypeColor     TypeTag = "color"
	TypeVector2   TypeTag = "vector2"
	TypeVector3   TypeTag = "vector3"
	TypeVector4   TypeTag = "vector4"
	TypeImage     TypeTag = "image"
	TypeNull      TypeTag = "null"
	TypeUndefined TypeTag = "undefined"
	TypeInvalid   TypeTag = "invalid"
)

func isColorName(name string) bool {
	return strings.Contains(strings.ToLower(name), "color")
}

// Classify returns the TypeTag for a member value.
func Classify(name string, v any) TypeTag {
	switch t := v.(type) {
	case nil:
		return TypeNull
	case engine.Undefined:
		return TypeUndefined
	case bool:
		return TypeBoolean
	case string:
		return TypeString
	case engine.Callable:
		return TypeFunction
	case engine.Vec2:
		return TypeVector2
	case engine.Vec3:
		return TypeVector3
	case engine.Vec4:
		return TypeVector4
	case engine.Image, *engine.Image:
		return TypeImage
	case map[string]any:
		return classifyMap(t)
	}

	if _, ok := engine.ToFloat(v); ok {
		if isColorName(name) {
			return TypeColor
		}
		return TypeNumber
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return TypeFunction
	case reflect.Slice, reflect.Array:
		return TypeArray
	case reflect.Ptr, reflect.Map:
		if rv.IsNil() {
			return TypeNull
		}
	}
	return TypeObject
}

var vectorKeys = []struct {
	keys []string
	tag  TypeTag
}{
	{[]string{"x", "y"}, TypeVector2},
	{[]string{"x", "y", "z"}, TypeVector3},
	{[]string{"x", "y", "z", "w"}, TypeVector4},
}

func classifyMap(m map[string]any) TypeTag {
	for _, vk := range vectorKeys {
		if len(m) == len(vk.keys) && numericKeys(m, vk.keys) {
			return vk.tag
		}
	}
	if _, ok := m["source"]; ok {
		if numericKeys(m, []string{"width", "height"}) {
			return TypeImage
		}
	}
	return TypeObject
}

func numericKeys(m map[string]any, keys []string) bool {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			return false
		}
		if _, ok := engine.ToFloat(v); !ok {
			return false
		}
	}
	return true
}

func expandable(tag TypeTag, v any) bool {
	switch tag {
	case TypeObject, TypeVector2, TypeVector3, TypeVector4, TypeImage:
		return true
	case TypeArray:
		return reflect.ValueOf(v).Len() > 0
	}
	return false
}

// Category groups properties for display. Records sort by category first.
type Category int

const (
	CategoryTransform Category = iota
	CategoryDisplay
	CategoryLayout
	CategoryInteraction
	CategoryContainer
	CategoryOther
)

var categoryNames = [...]string{"transform", "display", "layout", "interaction", "container", "other"}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "other"
	}
	return categoryNames[c]
}

var categories = map[string]Category{
	"x": CategoryTransform, "y": CategoryTransform, "z": CategoryTransform,
	"scaleX": CategoryTransform, "scaleY": CategoryTransform, "rotation": CategoryTransform,
	"skewX": CategoryTransform, "skewY": CategoryTransform,
	"anchorOffsetX": CategoryTransform, "anchorOffsetY": CategoryTransform,
	"anchor": CategoryTransform, "matrix": CategoryTransform, "position": CategoryTransform,

	"alpha": CategoryDisplay, "visible": CategoryDisplay, "blendMode": CategoryDisplay,
	"texture": CategoryDisplay, "tint": CategoryDisplay, "filters": CategoryDisplay,
	"mask": CategoryDisplay, "cacheAsBitmap": CategoryDisplay, "text": CategoryDisplay,

	"width": CategoryLayout, "height": CategoryLayout, "top": CategoryLayout,
	"bottom": CategoryLayout, "left": CategoryLayout, "right": CategoryLayout,
	"horizontalCenter": CategoryLayout, "verticalCenter": CategoryLayout,
	"percentWidth": CategoryLayout, "percentHeight": CategoryLayout,

	"touchEnabled": CategoryInteraction, "touchChildren": CategoryInteraction,
	"enabled": CategoryInteraction, "hitArea": CategoryInteraction,

	"numChildren": CategoryContainer, "children": CategoryContainer, "parent": CategoryContainer,
	"addChild": CategoryContainer, "removeChild": CategoryContainer,
}

// CategoryOf returns the display category of a property name.
func CategoryOf(name string) Category {
	if c, ok := categories[name]; ok {
		return c
	}
	if isColorName(name) {
		return CategoryDisplay
	}
	return CategoryOther
}
