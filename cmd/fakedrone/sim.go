package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	frameWidth  = 640
	frameHeight = 480
	ballRadius  = 20
	ballSpeed   = 5
)

var (
	background = color.RGBA{R: 50, G: 50, B: 50, A: 255}
	ballColor  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	textColor  = color.RGBA{G: 255, A: 255}
)

type coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// telemetry mirrors the fields a DJI-style ground station reports.
type telemetry struct {
	Pitch            float64     `json:"pitch"`
	Roll             float64     `json:"roll"`
	Yaw              float64     `json:"yaw"`
	Altitude         float64     `json:"altitude"`
	SpeedH           float64     `json:"speedH"`
	SpeedV           float64     `json:"speedV"`
	Battery          int         `json:"battery"`
	Coordinates      coordinates `json:"coordinates"`
	DistanceHome     float64     `json:"distanceHome"`
	ObstacleDistance float64     `json:"obstacleDistance"`
	GimbalPitch      float64     `json:"gimbalPitch"`
}

func telemetryMessage(t time.Time) (string, error) {
	s := float64(t.UnixNano()) / 1e9
	msg := struct {
		Telemetry telemetry `json:"telemetry"`
	}{telemetry{
		Pitch:            10.5 + math.Sin(s),
		Roll:             -2.3 + math.Cos(s),
		Yaw:              45,
		Altitude:         15.2,
		SpeedH:           5.5,
		SpeedV:           0.2,
		Battery:          88,
		Coordinates:      coordinates{Lat: 37.7749, Lng: -122.4194},
		DistanceHome:     120,
		ObstacleDistance: 15,
		GimbalPitch:      -30,
	}}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ball bounces inside the frame.
type ball struct {
	x, y, dx, dy int
}

func newBall() *ball {
	return &ball{x: 100, y: 100, dx: ballSpeed, dy: ballSpeed}
}

func (b *ball) step() {
	b.x += b.dx
	b.y += b.dy
	if b.x <= ballRadius || b.x >= frameWidth-ballRadius {
		b.dx = -b.dx
	}
	if b.y <= ballRadius || b.y >= frameHeight-ballRadius {
		b.dy = -b.dy
	}
}

// renderFrame draws the ball and a timestamp and encodes the result as JPEG.
func renderFrame(b *ball, t time.Time) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{background}, image.Point{}, draw.Src)

	r2 := ballRadius * ballRadius
	for y := b.y - ballRadius; y <= b.y+ballRadius; y++ {
		for x := b.x - ballRadius; x <= b.x+ballRadius; x++ {
			dx, dy := x-b.x, y-b.y
			if dx*dx+dy*dy <= r2 {
				img.SetRGBA(x, y, ballColor)
			}
		}
	}

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(50, 50),
	}
	d.DrawString("TEST STREAM: " + t.Format("15:04:05"))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
