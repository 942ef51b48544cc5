// Command stitch loads fragment images described by a scene file, registers
// overlapping pairs, and writes the composite image plus a transform
// manifest.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"tissue-stitcher/internal/fragment"
	"tissue-stitcher/internal/manifest"
	"tissue-stitcher/internal/pyramid"
	"tissue-stitcher/internal/register"
	"tissue-stitcher/internal/session"
	"tissue-stitcher/internal/version"

	"github.com/google/uuid"
	_ "golang.org/x/image/tiff"
)

// sceneFile describes the input fragments.
type sceneFile struct {
	Fragments []sceneFragment `yaml:"fragments"`
}

type sceneFragment struct {
	Name      string         `yaml:"name"`
	Path      string         `yaml:"path"`
	PixelSize float64        `yaml:"pixel_size"`
	Pose      *fragment.Pose `yaml:"pose"` // optional initial placement
}

func main() {
	scenePath := flag.String("scene", "", "Scene YAML listing fragment images")
	configPath := flag.String("config", "", "Engine config YAML (optional)")
	manifestIn := flag.String("import", "", "Transform manifest to restore instead of registering")
	outPath := flag.String("out", "composite.png", "Composite output image")
	manifestOut := flag.String("manifest", "transforms.json", "Transform manifest output")
	scale := flag.Float64("scale", 0.25, "Composite output scale (output px per full-res px)")
	doRegister := flag.Bool("register", true, "Run pairwise registration before compositing")
	verbose := flag.Bool("v", false, "Verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stitch %s (%s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *scenePath == "" && *manifestIn == "" {
		fmt.Fprintln(os.Stderr, "Usage: stitch -scene <scene.yaml> [-config <engine.yaml>] [-out composite.png]")
		fmt.Fprintln(os.Stderr, "       stitch -import <transforms.json> [-out composite.png]")
		os.Exit(1)
	}

	cfg := register.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = register.LoadConfig(*configPath)
		if err != nil {
			fatal(log, "loading config", err)
		}
	}
	cfg.Logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(cfg)

	switch {
	case *manifestIn != "":
		m, err := manifest.Load(*manifestIn)
		if err != nil {
			fatal(log, "loading manifest", err)
		}
		base := filepath.Dir(*manifestIn)
		err = sess.RestoreManifest(m, func(e manifest.Entry) (pyramid.Source, error) {
			path := e.SourcePath
			if !filepath.IsAbs(path) {
				path = filepath.Join(base, path)
			}
			return openSource(path)
		})
		if err != nil {
			fatal(log, "restoring manifest", err)
		}
		*doRegister = false

	default:
		scene, err := loadScene(*scenePath)
		if err != nil {
			fatal(log, "loading scene", err)
		}
		base := filepath.Dir(*scenePath)
		for _, sf := range scene.Fragments {
			path := sf.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(base, path)
			}
			src, err := openSource(path)
			if err != nil {
				fatal(log, "opening "+sf.Path, err)
			}
			f := sess.AddFragment(sf.Name, sf.Path, src)
			f.PixelSize = sf.PixelSize
			if sf.Pose != nil {
				if err := sess.Store().SetPose(f.ID, *sf.Pose); err != nil {
					fatal(log, "setting pose for "+sf.Name, err)
				}
			}
		}
	}

	if *doRegister {
		committed, err := sess.Engine().RegisterAll(ctx, allPairs(sess))
		if err != nil {
			fatal(log, "registration", err)
		}
		accepted, rejected := 0, 0
		for _, e := range sess.Engine().Graph().Edges() {
			if e.Status == register.EdgeAccepted {
				accepted++
			} else {
				rejected++
			}
		}
		log.Info("registration complete",
			"edges_accepted", accepted, "edges_rejected", rejected, "poses_committed", committed)
	}

	img, bounds, err := sess.Projector().Render(ctx, *scale)
	if err != nil {
		fatal(log, "rendering composite", err)
	}
	if err := writePNG(*outPath, img); err != nil {
		fatal(log, "writing composite", err)
	}
	log.Info("composite written", "path", *outPath,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy(),
		"world_width", bounds.Width, "world_height", bounds.Height)

	if err := sess.ExportManifest(*manifestOut); err != nil {
		fatal(log, "writing manifest", err)
	}
	log.Info("manifest written", "path", *manifestOut)
}

func loadScene(path string) (*sceneFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var scene sceneFile
	if err := yaml.Unmarshal(data, &scene); err != nil {
		return nil, fmt.Errorf("parsing scene %s: %w", path, err)
	}
	if len(scene.Fragments) == 0 {
		return nil, fmt.Errorf("scene %s lists no fragments", path)
	}
	return &scene, nil
}

// openSource decodes an image file and wraps it in an in-memory pyramid.
func openSource(path string) (pyramid.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return pyramid.NewImageSource(img, 256), nil
}

// allPairs lists every unordered fragment pair; the engine discards pairs
// without enough overlap.
func allPairs(sess *session.Session) [][2]uuid.UUID {
	ids := sess.Store().InsertionOrder()
	var pairs [][2]uuid.UUID
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			pairs = append(pairs, [2]uuid.UUID{ids[i], ids[j]})
		}
	}
	return pairs
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
