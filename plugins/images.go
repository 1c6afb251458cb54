package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Image library constants
const (
	DefaultMaxImageSize = 64 * 1024 // a full 123-register export is ~2 KB
	ImageExtension      = ".txt"
)

// ImagesPlugin manages a directory of register image files in TICS Pro
// hex export format
type ImagesPlugin struct {
	tokenValidator TokenValidator
	dir            string
	maxImageSize   int64
}

// ImageItem represents one stored image
type ImageItem struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Registers int       `json:"registers"`
	Modified  time.Time `json:"modified"`
	Error     string    `json:"error,omitempty"`
}

// ImagesConfig holds the image library configuration
type ImagesConfig struct {
	Dir          string `yaml:"dir" json:"dir"`
	MaxImageSize int64  `yaml:"max_image_size" json:"max_image_size"`
}

// NewImagesPlugin creates a new image library instance
func NewImagesPlugin(cfg ImagesConfig) (*ImagesPlugin, error) {
	if cfg.Dir == "" {
		return nil, errors.New("image directory not configured")
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = DefaultMaxImageSize
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("invalid image directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	return &ImagesPlugin{
		dir:          dir,
		maxImageSize: cfg.MaxImageSize,
	}, nil
}

// SetTokenValidator sets the token validation function
func (p *ImagesPlugin) SetTokenValidator(validator TokenValidator) {
	p.tokenValidator = validator
}

// Name returns the plugin identifier
func (p *ImagesPlugin) Name() string {
	return "images"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *ImagesPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/images")

	api.Get("/list", p.listImages)
	api.Post("/upload", p.uploadImage)
	api.Get("/download", p.downloadImage)
	api.Get("/diff", p.diffImage)
	api.Delete("/delete", p.deleteImage)
}

// Shutdown performs cleanup
func (p *ImagesPlugin) Shutdown() error {
	return nil
}

// imagePath maps an image name to a file inside the library directory
func (p *ImagesPlugin) imagePath(name string) (string, error) {
	if name == "" {
		return "", errors.New("image name required")
	}

	// Prevent directory traversal
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid image name %q", name)
	}

	if filepath.Ext(name) != ImageExtension {
		name += ImageExtension
	}
	return filepath.Join(p.dir, name), nil
}

// Path returns the file path for a stored image
func (p *ImagesPlugin) Path(name string) (string, error) {
	path, err := p.imagePath(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("image %s: %w", name, err)
	}
	return path, nil
}

// listImages handles GET /api/images/list
func (p *ImagesPlugin) listImages(c *fiber.Ctx) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return SendError(c, 500, err)
	}

	items := make([]ImageItem, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ImageExtension {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		item := ImageItem{
			Name:     strings.TrimSuffix(entry.Name(), ImageExtension),
			Size:     info.Size(),
			Modified: info.ModTime(),
		}
		// A broken file is listed with its parse error
		if img, err := LoadRegisterImage(filepath.Join(p.dir, entry.Name())); err != nil {
			item.Error = err.Error()
		} else {
			item.Registers = img.Len()
		}
		items = append(items, item)
	}

	return SendSuccess(c, fiber.Map{
		"dir":    p.dir,
		"images": items,
	}, "")
}

// uploadImage handles POST /api/images/upload. The file is parsed before
// it is stored, so the library only ever holds loadable images.
func (p *ImagesPlugin) uploadImage(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return SendErrorMessage(c, 400, "No file provided")
	}

	if file.Size > p.maxImageSize {
		return SendErrorMessage(c, 413, fmt.Sprintf("Image too large (max %d bytes)", p.maxImageSize))
	}

	name := c.FormValue("name", filepath.Base(file.Filename))
	destFile, err := p.imagePath(name)
	if err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}

	src, err := file.Open()
	if err != nil {
		return SendError(c, 500, err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, p.maxImageSize))
	if err != nil {
		return SendError(c, 500, err)
	}

	img, err := ParseRegisterImage(bytes.NewReader(data))
	if err != nil {
		return SendError(c, 422, err)
	}

	if err := os.WriteFile(destFile, data, 0644); err != nil {
		return SendError(c, 500, err)
	}

	return SendSuccess(c, fiber.Map{
		"name":      strings.TrimSuffix(filepath.Base(destFile), ImageExtension),
		"registers": img.Len(),
	}, "Image uploaded successfully")
}

// downloadImage handles GET /api/images/download?name=<image>
func (p *ImagesPlugin) downloadImage(c *fiber.Ctx) error {
	path, err := p.imagePath(c.Query("name"))
	if err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return SendErrorMessage(c, 404, "Image not found")
		}
		return SendError(c, 500, err)
	}

	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	return c.SendFile(path)
}

// diffImage handles GET /api/images/diff?name=<image>[&base=<image>],
// comparing against the built-in power-up image when no base is given
func (p *ImagesPlugin) diffImage(c *fiber.Ctx) error {
	load := func(name string) (*RegisterImage, error) {
		path, err := p.imagePath(name)
		if err != nil {
			return nil, err
		}
		return LoadRegisterImage(path)
	}

	next, err := load(c.Query("name"))
	if err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}

	base := DefaultRegisterImage()
	if name := c.Query("base"); name != "" {
		if base, err = load(name); err != nil {
			return SendErrorMessage(c, 400, err.Error())
		}
	}

	diffs := base.Diff(next)
	lines := make([]string, len(diffs))
	for i, d := range diffs {
		lines[i] = d.String()
	}

	return SendSuccess(c, fiber.Map{
		"changes": diffs,
		"lines":   lines,
	}, "")
}

// deleteImage handles DELETE /api/images/delete
func (p *ImagesPlugin) deleteImage(c *fiber.Ctx) error {
	var req struct {
		Name string `json:"name"`
	}

	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	path, err := p.imagePath(req.Name)
	if err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return SendErrorMessage(c, 404, "Image not found")
		}
		return SendError(c, 500, err)
	}

	return SendSuccess(c, nil, "Deleted successfully")
}

// Register the plugin
func init() {
	RegisterPlugin("images", func(config any) (Plugin, error) {
		switch cfg := config.(type) {
		case ImagesConfig:
			return NewImagesPlugin(cfg)
		case *ImagesConfig:
			return NewImagesPlugin(*cfg)
		default:
			return nil, fmt.Errorf("invalid config for images plugin: expected ImagesConfig")
		}
	})
}
