package ecs

import "github.com/pkg/errors"

// NewCreateEntityCommand enqueues a new entity creation. If target is non-nil it receives the allocated ID.
func NewCreateEntityCommand(target *EntityID) Command {
	return createEntityCommand{target: target}
}

// NewDestroyEntityCommand enqueues an entity deletion. All of the entity's
// components are removed along with it.
func NewDestroyEntityCommand(id EntityID) Command {
	return destroyEntityCommand{entity: id}
}

// CommandFunc adapts a plain function to the Command interface.
type CommandFunc func(world *World) error

func (f CommandFunc) Apply(world *World) error { return f(world) }

type createEntityCommand struct {
	target *EntityID
}

type destroyEntityCommand struct {
	entity EntityID
}

func (c createEntityCommand) Apply(world *World) error {
	id := world.Spawn()
	if c.target != nil {
		*c.target = id
	}
	return nil
}

func (c destroyEntityCommand) Apply(world *World) error {
	if err := world.Despawn(c.entity); err != nil {
		return errors.Wrap(err, "ecs: destroy entity")
	}
	return nil
}

var (
	_ Command = createEntityCommand{}
	_ Command = destroyEntityCommand{}
	_ Command = CommandFunc(nil)
)
