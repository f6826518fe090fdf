// Command framedemo builds a small scene, runs a few frames through the render
// pipeline and logs the resulting draw lists.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	ecs "github.com/DangerosoDavo/renderecs"
	"github.com/DangerosoDavo/renderecs/render"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	frames := flag.Int("frames", 3, "number of frames to run")
	entities := flag.Int("entities", 64, "number of renderable entities to spawn")
	tracePath := flag.String("trace", "", "write a runtime trace to this file")
	flag.Parse()

	if err := run(*configPath, *frames, *entities, *tracePath); err != nil {
		fmt.Fprintln(os.Stderr, "framedemo:", err)
		os.Exit(1)
	}
}

func run(configPath string, frames, entities int, tracePath string) error {
	cfg := render.DefaultConfig()
	if configPath != "" {
		loaded, err := render.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if tracePath != "" {
		cfg.Trace = true
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	sim := ecs.NewWorld()
	opts := append(cfg.Options(logger), render.WithProducers(render.CameraProducer{}))
	pipeline, err := render.NewPipeline(sim, ecs.NewWorld(), opts...)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	if err := buildScene(sim, entities); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	traceOut, closeTrace, err := openTrace(tracePath)
	if err != nil {
		return err
	}
	defer closeTrace()

	err = pipeline.RunWithTrace(ctx, traceOut, func() error {
		for i := 0; i < frames; i++ {
			frame, err := pipeline.Frame(ctx)
			if err != nil {
				return err
			}
			logger.Info("frame", "index", frame.Index, "views", len(frame.Views), "extracted", frame.Stats.Extracted,
				"visible", frame.Stats.Visible, "pruned", frame.Stats.Pruned, "faults", len(frame.Faults))
			for _, list := range frame.DrawLists {
				logger.Info("draw list", "view", list.ViewIndex, "feature", list.SpawningFeature,
					"opaque", list.OpaqueCount, "transparent", len(list.Items)-list.OpaqueCount)
			}
			if err := advance(sim, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		return pipeline.WriteMetrics(os.Stdout)
	}
	return nil
}

// openTrace returns a nil writer when no trace file is requested, so a config
// with trace enabled but no destination runs untraced.
func openTrace(path string) (io.Writer, func() error, error) {
	if path == "" {
		return nil, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// buildScene spawns one 3D and one 2D camera and a ring of entities around
// the origin, every third of them transparent.
func buildScene(sim *ecs.World, n int) error {
	cam3d := render.DefaultCamera3D("main")
	cam3d.Eye = mgl32.Vec3{0, 0, 20}
	cam3d.Target = mgl32.Vec3{}
	if err := sim.Insert(sim.Spawn(), render.Camera3DComponent, cam3d); err != nil {
		return err
	}
	if err := sim.Insert(sim.Spawn(), render.Camera2DComponent, render.DefaultCamera2D("hud", 32, 18)); err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		id := sim.Spawn()
		angle := float32(i) / float32(max(n, 1)) * 2 * math32.Pi
		radius := float32(4 + i%8)
		pos := mgl32.Vec3{radius * math32.Cos(angle), radius * math32.Sin(angle), float32(-(i % 5))}
		bounds := render.Sphere(0.5)
		if i%4 == 0 {
			bounds = render.Rect(1, 1)
		}
		if err := sim.Insert(id, render.TransformComponent, render.GlobalTransform{Translation: pos}); err != nil {
			return err
		}
		if err := sim.Insert(id, render.VisibleComponent, render.Visible{Bounds: bounds, Occluder: i%3 != 0}); err != nil {
			return err
		}
		if err := sim.Insert(id, render.MeshComponent, render.MeshHandle("cube")); err != nil {
			return err
		}
	}
	return nil
}

// advance despawns one entity per frame so the pipeline has mirrors to prune.
func advance(sim *ecs.World, frame int) error {
	ids, err := sim.Query(render.VisibleComponent)
	if err != nil || len(ids) == 0 {
		return err
	}
	return sim.Despawn(ids[frame%len(ids)])
}
