package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rmlgti/DroneCore/internal/commands"
	"github.com/rmlgti/DroneCore/internal/config"
	"github.com/rmlgti/DroneCore/internal/gcs"
	"github.com/rmlgti/DroneCore/internal/mission"
	"github.com/rmlgti/DroneCore/internal/telemetry"
)

const (
	registryID = "fleet-registry"
	projectID  = "auto-fleet-mgnt"
	region     = "europe-west1"
	algorithm  = "RS256"
)

var (
	defaultFlagSet    = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	configPath        = defaultFlagSet.String("config", "", "Path to a YAML config file")
	deviceID          = defaultFlagSet.String("device_id", "", "The provisioned device id")
	mqttBrokerAddress = defaultFlagSet.String("mqtt_broker", "", "MQTT broker protocol, address and port")
	privateKeyPath    = defaultFlagSet.String("private_key", "", "The private key for the MQTT authentication")
	mavlinkAddress    = defaultFlagSet.String("mavlink_address", "", "UDP address of the vehicle MAVLink endpoint")
)

// MQTT parameters
const (
	qos      = 1
	retain   = false
	username = "unused" // always this value in GCP
)

func main() {
	defaultFlagSet.Parse(os.Args[1:])

	conf := loadConfig()

	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, syscall.SIGINT, syscall.SIGTERM)
	ctx, quitFunc := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// Setup MQTT
	mqttClient := newMQTTClient(conf)
	defer mqttClient.Disconnect(1000)

	// Setup the MAVLink link
	mavClient, err := gcs.NewClient(gcs.Config{
		Address:     conf.MAVLinkAddress,
		SystemID:    conf.SystemID,
		ComponentID: conf.ComponentID,
	})
	if err != nil {
		log.Fatal(err)
	}
	mavClient.Run(ctx, &wg)

	// Setup the mission engine
	engine := mission.NewEngine(mavClient, mavClient)

	// Setup telemetry
	telemetry.Start(ctx, &wg, mavClient, mqttClient, conf.DeviceID)

	// Setup commandhandlers
	commands.StartCommandHandlers(ctx, &wg, mqttClient, engine, conf.DeviceID)

	// wait for termination and close quit to signal all
	<-terminationSignals
	// cancel the main context
	log.Printf("Shutting down..")
	engine.Stop()
	quitFunc()
	// wait until goroutines have done their cleanup
	log.Printf("Waiting for routines to finish..")
	wg.Wait()
	log.Printf("Signing off - BYE")
}

func loadConfig() config.Config {
	conf := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		conf = loaded
	}
	if *deviceID != "" {
		conf.DeviceID = *deviceID
	}
	if *mqttBrokerAddress != "" {
		conf.MQTTBroker = *mqttBrokerAddress
	}
	if *privateKeyPath != "" {
		conf.PrivateKeyPath = *privateKeyPath
	}
	if *mavlinkAddress != "" {
		conf.MAVLinkAddress = *mavlinkAddress
	}
	if conf.DeviceID == "" {
		log.Fatal("device_id is required")
	}
	if conf.MQTTBroker == "" {
		log.Fatal("mqtt_broker is required")
	}
	return conf
}

func newMQTTClient(conf config.Config) mqtt.Client {
	log.Printf("address: %v", conf.MQTTBroker)

	// generate MQTT client
	clientID := fmt.Sprintf(
		"projects/%s/locations/%s/registries/%s/devices/%s",
		projectID, region, registryID, conf.DeviceID)

	log.Println("Client ID:", clientID)

	// load private key
	keyData, err := os.ReadFile(conf.PrivateKeyPath)
	if err != nil {
		log.Fatalf("Could not read private key: %v", err)
	}

	var key interface{}
	switch algorithm {
	case "RS256":
		key, err = jwt.ParseRSAPrivateKeyFromPEM(keyData)
	case "ES256":
		key, err = jwt.ParseECPrivateKeyFromPEM(keyData)
	default:
		log.Fatalf("Unknown algorithm: %s", algorithm)
	}
	if err != nil {
		log.Fatalf("Could not parse private key: %v", err)
	}

	// generate JWT as the MQTT password
	t := time.Now()
	token := jwt.NewWithClaims(jwt.GetSigningMethod(algorithm), &jwt.StandardClaims{
		IssuedAt:  t.Unix(),
		ExpiresAt: t.Add(24 * time.Hour).Unix(),
		Audience:  projectID,
	})
	pass, err := token.SignedString(key)
	if err != nil {
		log.Fatalf("Could not sign token: %v", err)
	}

	// configure MQTT client
	opts := mqtt.NewClientOptions().
		AddBroker(conf.MQTTBroker).
		SetClientID(clientID).
		SetUsername(username).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetPassword(pass).
		SetProtocolVersion(4) // Use MQTT 3.1.1

	client := mqtt.NewClient(opts)

	for {
		// retry for ever
		log.Printf("Connecting MQTT...")
		tok := client.Connect()
		if err := tok.Error(); err != nil {
			log.Fatalf("Could not connect: %v", err)
		}
		if !tok.WaitTimeout(time.Second * 5) {
			log.Println("Connection Timeout")
			continue
		}
		if err := tok.Error(); err != nil {
			log.Fatalf("Could not connect: %v", err)
		}
		log.Printf("..Connected")
		break
	}

	return client
}
