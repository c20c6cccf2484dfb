package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/treble-h/txsched/sign"
)

// nodeIndex parses the replica id out of a "nodeN" key.
func nodeIndex(name string) (int, error) {
	if !strings.HasPrefix(name, "node") {
		return 0, errors.Errorf("cluster member %q is not named nodeN", name)
	}
	return strconv.Atoi(name[len("node"):])
}

func main() {

	viperRead := viper.New()

	viperRead.SetConfigName("config_template") // name of config file (without extension)
	viperRead.AddConfigPath(".")               // path to look for the config file in
	viperRead.SetDefault("batchsize", 16)
	viperRead.SetDefault("batchtimeout", 500)
	viperRead.SetDefault("worker_pool_size", 64)
	viperRead.SetDefault("request_timeout", 5000)
	viperRead.SetDefault("log_level", "info")
	viperRead.SetDefault("state_dir", ".")
	err := viperRead.ReadInConfig() // Find and read the config file
	if err != nil {                 // Handle errors reading the config file
		panic(errors.Wrap(err, "read config_template"))
	}

	clusterAddr := make(map[string]string)
	for name, addr := range viperRead.GetStringMap("ips") {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("cluster in the config file cannot be decoded correctly")
		}
		clusterAddr[name] = addrAsString
	}
	nodeNumber := len(clusterAddr)
	if nodeNumber == 0 {
		panic("no cluster members under ips")
	}

	clusterName := make([]string, 0, nodeNumber)
	replicaIds := make(map[string]int, nodeNumber)
	for name := range clusterAddr {
		id, err := nodeIndex(name)
		if err != nil {
			panic(err)
		}
		if id < 0 || id >= nodeNumber {
			panic(fmt.Sprintf("replica id of %s out of range [0, %d)", name, nodeNumber))
		}
		clusterName = append(clusterName, name)
		replicaIds[name] = id
	}
	sort.Strings(clusterName)

	p2pPorts := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPorts) {
		panic("peers_p2p_port does not match with cluster")
	}
	mapNameToP2PPort := make(map[string]int, nodeNumber)
	for name := range clusterAddr {
		portAsInterface, ok := p2pPorts[name]
		if !ok {
			panic("peers_p2p_port does not match with cluster")
		}
		portAsInt, ok := portAsInterface.(int)
		if !ok {
			panic("peers_p2p_port contains a non-int value")
		}
		mapNameToP2PPort[name] = portAsInt
	}
	metricsPort := viperRead.GetInt("metrics_port")

	//generate ed keys, map name to key
	privateKeys := make(map[string]string, nodeNumber)
	for _, name := range clusterName {
		privateKey, _, err := sign.GenKeys()
		if err != nil {
			panic(err)
		}
		privateKeys[name] = hex.EncodeToString(privateKey)
	}

	//generate threshold keys, any ts_threshold checkpoints of a round can be assembled
	numT := viperRead.GetInt("ts_threshold")
	if numT <= 0 {
		numT = nodeNumber - nodeNumber/3
	}
	if numT > nodeNumber {
		panic(fmt.Sprintf("ts_threshold %d exceeds cluster size %d", numT, nodeNumber))
	}
	shares, pubPoly := sign.GenTSKeys(numT, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic(err)
	}

	for _, name := range clusterName {
		replicaId := replicaIds[name]

		viperWrite := viper.New()
		viperWrite.SetConfigFile(name + ".yaml")

		shareAsBytes, err := sign.EncodeTSPartialKey(shares[replicaId])
		if err != nil {
			panic(err)
		}

		viperWrite.Set("name", name)
		viperWrite.Set("replicaid", replicaId)
		viperWrite.Set("address", clusterAddr[name])
		viperWrite.Set("p2p_listen_port", mapNameToP2PPort[name])
		if metricsPort != 0 {
			viperWrite.Set("metrics_listen_port", metricsPort+replicaId)
		}

		viperWrite.Set("ed_prikey", privateKeys[name])

		viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("ts_threshold", numT)
		viperWrite.Set("cluster_size", nodeNumber)

		viperWrite.Set("batchtimeout", viperRead.GetInt("batchtimeout"))
		viperWrite.Set("batchsize", viperRead.GetInt("batchsize"))
		viperWrite.Set("worker_pool_size", viperRead.GetInt("worker_pool_size"))
		viperWrite.Set("request_timeout", viperRead.GetInt("request_timeout"))
		viperWrite.Set("log_level", viperRead.GetString("log_level"))
		viperWrite.Set("state_db_path", filepath.Join(viperRead.GetString("state_dir"), name+"-state"))

		if err = viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
		fmt.Printf("wrote %s.yaml for replica %d\n", name, replicaId)
	}
}
