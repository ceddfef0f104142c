// Package blocks interprets programs built in the graphical block editor.
package blocks

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrInvalidProgram is returned for documents that do not describe a program.
var ErrInvalidProgram = errors.New("invalid block program")

// Program is a decoded block document. JSON documents decode as well, being
// valid YAML.
type Program struct {
	Name   string  `json:"name,omitempty" yaml:"name,omitempty"`
	Blocks []Block `json:"program" yaml:"program"`
}

// Block is one statement block. Which fields apply depends on Kind.
type Block struct {
	Kind string `json:"block" yaml:"block"`

	Port     *int  `json:"port,omitempty" yaml:"port,omitempty"`
	Power    *Expr `json:"power,omitempty" yaml:"power,omitempty"`
	Velocity *Expr `json:"velocity,omitempty" yaml:"velocity,omitempty"`
	Position *Expr `json:"position,omitempty" yaml:"position,omitempty"`
	Seconds  *Expr `json:"seconds,omitempty" yaml:"seconds,omitempty"`

	Times     *Expr   `json:"times,omitempty" yaml:"times,omitempty"`
	Condition *Expr   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Do        []Block `json:"do,omitempty" yaml:"do,omitempty"`
	Then      []Block `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []Block `json:"else,omitempty" yaml:"else,omitempty"`

	Var   string `json:"var,omitempty" yaml:"var,omitempty"`
	Value *Expr  `json:"value,omitempty" yaml:"value,omitempty"`
	By    *Expr  `json:"by,omitempty" yaml:"by,omitempty"`
	Text  string `json:"text,omitempty" yaml:"text,omitempty"`
}

// Expr is a value block. Exactly one form is set.
type Expr struct {
	Number        *float64 `json:"number,omitempty" yaml:"number,omitempty"`
	Var           string   `json:"var,omitempty" yaml:"var,omitempty"`
	Analog        *int     `json:"analog,omitempty" yaml:"analog,omitempty"`
	Digital       *int     `json:"digital,omitempty" yaml:"digital,omitempty"`
	MotorPosition *int     `json:"motor_position,omitempty" yaml:"motor_position,omitempty"`
	Seconds       bool     `json:"seconds,omitempty" yaml:"seconds,omitempty"`

	Op    string `json:"op,omitempty" yaml:"op,omitempty"`
	Left  *Expr  `json:"left,omitempty" yaml:"left,omitempty"`
	Right *Expr  `json:"right,omitempty" yaml:"right,omitempty"`
}

// Statement block kinds.
const (
	KindMotor  = "motor"
	KindServo  = "servo"
	KindOff    = "off"
	KindWait   = "wait"
	KindRepeat = "repeat"
	KindWhile  = "while"
	KindIf     = "if"
	KindSet    = "set"
	KindChange = "change"
	KindPrint  = "print"
	KindShow   = "show"
)

var binaryOps = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"<": true, "<=": true, ">": true, ">=": true, "==": true, "!=": true,
	"and": true, "or": true,
}

// Parse decodes and validates a block document.
func Parse(doc []byte) (*Program, error) {
	var p Program
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	if err := validateBlocks(p.Blocks, "program"); err != nil {
		return nil, err
	}
	return &p, nil
}

func validateBlocks(blocks []Block, path string) error {
	for i := range blocks {
		if err := blocks[i].validate(fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Block) validate(path string) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s (%s): %s", ErrInvalidProgram, path, b.Kind, fmt.Sprintf(format, args...))
	}
	need := func(e *Expr, field string) error {
		if e == nil {
			return invalid("missing %s", field)
		}
		if err := e.validate(); err != nil {
			return invalid("%s: %v", field, err)
		}
		return nil
	}

	switch b.Kind {
	case KindMotor:
		if b.Port == nil {
			return invalid("missing port")
		}
		if (b.Power == nil) == (b.Velocity == nil) {
			return invalid("needs exactly one of power or velocity")
		}
		if b.Power != nil {
			return need(b.Power, "power")
		}
		return need(b.Velocity, "velocity")
	case KindServo:
		if b.Port == nil {
			return invalid("missing port")
		}
		return need(b.Position, "position")
	case KindOff:
		return nil
	case KindWait:
		return need(b.Seconds, "seconds")
	case KindRepeat:
		if err := need(b.Times, "times"); err != nil {
			return err
		}
		return validateBlocks(b.Do, path+".do")
	case KindWhile:
		if err := need(b.Condition, "condition"); err != nil {
			return err
		}
		return validateBlocks(b.Do, path+".do")
	case KindIf:
		if err := need(b.Condition, "condition"); err != nil {
			return err
		}
		if err := validateBlocks(b.Then, path+".then"); err != nil {
			return err
		}
		return validateBlocks(b.Else, path+".else")
	case KindSet, KindChange:
		if b.Var == "" {
			return invalid("missing var")
		}
		if b.Kind == KindSet {
			return need(b.Value, "value")
		}
		return need(b.By, "by")
	case KindPrint:
		if b.Value == nil && b.Text == "" {
			return invalid("needs text or value")
		}
		if b.Value != nil {
			return need(b.Value, "value")
		}
		return nil
	case KindShow:
		if b.Var == "" {
			return invalid("missing var")
		}
		return nil
	default:
		return invalid("unknown block")
	}
}

func (e *Expr) validate() error {
	forms := 0
	for _, set := range []bool{
		e.Number != nil, e.Var != "", e.Analog != nil, e.Digital != nil,
		e.MotorPosition != nil, e.Seconds, e.Op != "",
	} {
		if set {
			forms++
		}
	}
	if forms != 1 {
		return fmt.Errorf("expression must have exactly one form, has %d", forms)
	}
	if e.Op == "" {
		return nil
	}
	if e.Op == "not" {
		if e.Left == nil || e.Right != nil {
			return fmt.Errorf("not takes one operand (left)")
		}
		return e.Left.validate()
	}
	if !binaryOps[e.Op] {
		return fmt.Errorf("unknown operator %q", e.Op)
	}
	if e.Left == nil || e.Right == nil {
		return fmt.Errorf("operator %q needs left and right", e.Op)
	}
	if err := e.Left.validate(); err != nil {
		return err
	}
	return e.Right.validate()
}
