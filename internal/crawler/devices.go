package crawler

// Device is an emulation profile selectable with RequestOptions.Device.
type Device struct {
	Name      string
	UserAgent string
	Viewport  Viewport
}

const (
	iOS11UA     = "Mozilla/5.0 (iPhone; CPU iPhone OS 11_0 like Mac OS X) AppleWebKit/604.1.38 (KHTML, like Gecko) Version/11.0 Mobile/15A372 Safari/604.1"
	iPadUA      = "Mozilla/5.0 (iPad; CPU OS 11_0 like Mac OS X) AppleWebKit/604.1.34 (KHTML, like Gecko) Version/11.0 Mobile/15A5341f Safari/604.1"
	pixel2UA    = "Mozilla/5.0 (Linux; Android 8.0; Pixel 2 Build/OPD3.170816.012) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/75.0.3765.0 Mobile Safari/537.36"
	galaxyS5UA  = "Mozilla/5.0 (Linux; Android 5.0; SM-G900P Build/LRX21T) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/75.0.3765.0 Mobile Safari/537.36"
	nexus5XUA   = "Mozilla/5.0 (Linux; Android 8.0.0; Nexus 5X Build/OPR4.170623.006) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/75.0.3765.0 Mobile Safari/537.36"
	desktopUA   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	iPhoneSE2UA = "Mozilla/5.0 (iPhone; CPU iPhone OS 13_2_3 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/13.0.3 Mobile/15E148 Safari/604.1"
)

// Devices lists the supported emulation profiles by name. The names and
// metrics follow the descriptor set shipped with puppeteer.
var Devices = map[string]Device{
	"iPhone 8": {
		Name: "iPhone 8", UserAgent: iOS11UA,
		Viewport: Viewport{Width: 375, Height: 667, DeviceScaleFactor: 2, IsMobile: true, HasTouch: true},
	},
	"iPhone 8 landscape": {
		Name: "iPhone 8 landscape", UserAgent: iOS11UA,
		Viewport: Viewport{Width: 667, Height: 375, DeviceScaleFactor: 2, IsMobile: true, HasTouch: true, IsLandscape: true},
	},
	"iPhone X": {
		Name: "iPhone X", UserAgent: iOS11UA,
		Viewport: Viewport{Width: 375, Height: 812, DeviceScaleFactor: 3, IsMobile: true, HasTouch: true},
	},
	"iPhone X landscape": {
		Name: "iPhone X landscape", UserAgent: iOS11UA,
		Viewport: Viewport{Width: 812, Height: 375, DeviceScaleFactor: 3, IsMobile: true, HasTouch: true, IsLandscape: true},
	},
	"iPhone SE": {
		Name: "iPhone SE", UserAgent: iPhoneSE2UA,
		Viewport: Viewport{Width: 320, Height: 568, DeviceScaleFactor: 2, IsMobile: true, HasTouch: true},
	},
	"iPad": {
		Name: "iPad", UserAgent: iPadUA,
		Viewport: Viewport{Width: 768, Height: 1024, DeviceScaleFactor: 2, IsMobile: true, HasTouch: true},
	},
	"iPad landscape": {
		Name: "iPad landscape", UserAgent: iPadUA,
		Viewport: Viewport{Width: 1024, Height: 768, DeviceScaleFactor: 2, IsMobile: true, HasTouch: true, IsLandscape: true},
	},
	"Pixel 2": {
		Name: "Pixel 2", UserAgent: pixel2UA,
		Viewport: Viewport{Width: 411, Height: 731, DeviceScaleFactor: 2.625, IsMobile: true, HasTouch: true},
	},
	"Galaxy S5": {
		Name: "Galaxy S5", UserAgent: galaxyS5UA,
		Viewport: Viewport{Width: 360, Height: 640, DeviceScaleFactor: 3, IsMobile: true, HasTouch: true},
	},
	"Nexus 5X": {
		Name: "Nexus 5X", UserAgent: nexus5XUA,
		Viewport: Viewport{Width: 412, Height: 732, DeviceScaleFactor: 2.625, IsMobile: true, HasTouch: true},
	},
	"Desktop 1080p": {
		Name: "Desktop 1080p", UserAgent: desktopUA,
		Viewport: Viewport{Width: 1920, Height: 1080, DeviceScaleFactor: 1},
	},
}

// LookupDevice returns the profile registered under name.
func LookupDevice(name string) (Device, bool) {
	d, ok := Devices[name]
	return d, ok
}
